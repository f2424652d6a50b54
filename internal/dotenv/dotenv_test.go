package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# local dev overrides\n" +
		"CLINICORE_TEST_PLAIN=loaded\n" +
		"CLINICORE_TEST_QUOTED=\"hello world\"\n" +
		"CLINICORE_TEST_SINGLE='pg://local'\n" +
		"export CLINICORE_TEST_EXPORTED=ok\n" +
		"CLINICORE_TEST_EXISTING=from_file\n" +
		"not a key value line\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("CLINICORE_TEST_EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	want := map[string]string{
		"CLINICORE_TEST_PLAIN":    "loaded",
		"CLINICORE_TEST_QUOTED":   "hello world",
		"CLINICORE_TEST_SINGLE":   "pg://local",
		"CLINICORE_TEST_EXPORTED": "ok",
		"CLINICORE_TEST_EXISTING": "already_set",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Errorf("%s = %q, want %q", key, got, val)
		}
	}
}
