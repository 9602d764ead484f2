package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.notibot",
			LogLevel: "info",
		},
		Source: SourceConfig{
			Auth: AuthConfig{
				Mode:     "password",
				TokenKey: "access_token",
			},
			RatePerMinute:  30,
			Burst:          5,
			TimeoutSeconds: 15,
		},
		Poll: PollConfig{
			IntervalSeconds:   90,
			PageCap:           3,
			PageSize:          20,
			HardCutoffMinutes: 60,
			FastForward:       true,
		},
		Channels: ChannelsConfig{
			System: ChannelConfig{
				Enabled:   true,
				Readness:  "unread",
				ExcludeCC: true,
			},
			Notice: ChannelConfig{
				Enabled: true,
				Kind:    "notice",
			},
		},
		Dedup: DedupConfig{
			SoftBucketSeconds: 1800,
			SeenCap:           4096,
		},
		Delivery: DeliveryConfig{
			Sink:            "telegram",
			MinIntervalMs:   1000,
			MaxAttachmentMB: 20,
			Telegram: TelegramConfig{
				ParseMode: "Markdown",
			},
		},
		Enrich: EnrichConfig{
			Enabled:  true,
			RulesDir: "~/.notibot/rules",
		},
		Journal: JournalConfig{
			Enabled: true,
			DBPath:  "~/.notibot/journal.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9091",
		},
	}
}
