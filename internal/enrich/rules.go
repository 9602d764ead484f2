package enrich

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"notibot/internal/domain"
)

// KeywordRule maps keyword hits (or an explicit domain/type pair) to a
// category. Custom rules live as YAML files in the rules directory and are
// evaluated ahead of the built-in table.
type KeywordRule struct {
	Category Category `yaml:"category"`
	Keywords []string `yaml:"keywords"`
	Domain   string   `yaml:"domain,omitempty"`
	Type     string   `yaml:"type,omitempty"`
}

// matches checks the explicit tag first, then keywords over title+body.
func (k *KeywordRule) matches(m *domain.Message) bool {
	if k.Domain != "" || k.Type != "" {
		return m.Domain == k.Domain && m.Type == k.Type
	}
	haystack := m.Title + "\n" + m.RawContent
	for _, kw := range k.Keywords {
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// LoadRules reads KeywordRule YAML files from dir. A missing directory is
// fine; an unreadable or unparseable file is logged and skipped.
func LoadRules(dir string, logger *slog.Logger) ([]KeywordRule, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("rules directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var rules []KeywordRule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read rule file", "path", path, "err", err)
			continue
		}

		var rule KeywordRule
		if err := yaml.Unmarshal(data, &rule); err != nil {
			logger.Warn("cannot parse rule file", "path", path, "err", err)
			continue
		}
		if rule.Category == "" {
			logger.Warn("rule file has no category, skipping", "path", path)
			continue
		}

		logger.Info("loaded enrichment rule", "category", rule.Category, "path", path)
		rules = append(rules, rule)
	}

	return rules, nil
}
