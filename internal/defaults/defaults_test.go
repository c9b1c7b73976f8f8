package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/stepwise/internal/config"
)

func TestConfigYAML_Loads(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "test-key")

	path := filepath.Join(t.TempDir(), "stepwise.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Gemini.APIKey != "test-key" {
		t.Errorf("api_key = %q, want the expanded env var", cfg.Gemini.APIKey)
	}
	if cfg.ToolServer.Transport() != "stdio" || cfg.ToolServer.ConnectAttempts != 3 {
		t.Errorf("tool_server = %+v", cfg.ToolServer)
	}
	if cfg.Query != config.DefaultQuery {
		t.Errorf("query = %q, want the default query", cfg.Query)
	}
	if _, ok := cfg.Usage.Pricing[cfg.Model.Name]; !ok {
		t.Errorf("no pricing for the example model %s", cfg.Model.Name)
	}
}
