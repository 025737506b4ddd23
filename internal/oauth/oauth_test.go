package oauth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func setupTestManager(t *testing.T, scopes []string) *Manager {
	t.Helper()
	tokensDir := filepath.Join(t.TempDir(), "tokens")
	if err := os.MkdirAll(tokensDir, 0700); err != nil {
		t.Fatal(err)
	}
	return &Manager{
		config:    &oauth2.Config{Scopes: scopes},
		tokensDir: tokensDir,
	}
}

func writeTokenFile(t *testing.T, mgr *Manager, email string, token oauth2.Token, scopes []string) {
	t.Helper()
	data, err := json.Marshal(tokenFile{Token: token, Scopes: scopes})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mgr.tokensDir, email+".json"), data, 0600); err != nil {
		t.Fatal(err)
	}
}

var testToken = oauth2.Token{AccessToken: "test", TokenType: "Bearer"}

func TestTokenRoundTrip(t *testing.T) {
	mgr := setupTestManager(t, Scopes)

	token := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
	}
	if err := mgr.saveToken("buyer@example.com", token); err != nil {
		t.Fatal(err)
	}

	if !mgr.HasToken("buyer@example.com") {
		t.Error("HasToken() = false after save")
	}

	loaded, err := mgr.loadToken("buyer@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AccessToken != "access" || loaded.RefreshToken != "refresh" {
		t.Errorf("loaded token = %+v, want saved values", loaded)
	}

	// Scopes from the config travel with the token.
	tf, err := mgr.loadTokenFile("buyer@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(tf.Scopes) != len(Scopes) {
		t.Errorf("saved scopes = %v, want %v", tf.Scopes, Scopes)
	}
}

func TestHasScope(t *testing.T) {
	mgr := setupTestManager(t, Scopes)

	writeTokenFile(t, mgr, "buyer@example.com", testToken, []string{
		"https://www.googleapis.com/auth/gmail.send",
	})

	if !mgr.HasScope("buyer@example.com", "https://www.googleapis.com/auth/gmail.send") {
		t.Error("expected HasScope true for gmail.send")
	}
	if mgr.HasScope("buyer@example.com", "https://mail.google.com/") {
		t.Error("expected HasScope false for unauthorized scope")
	}
	if mgr.HasScope("missing@example.com", "https://www.googleapis.com/auth/gmail.send") {
		t.Error("expected HasScope false for missing account")
	}
}

func TestHasScopeNoMetadata(t *testing.T) {
	mgr := setupTestManager(t, Scopes)

	// A token saved without scope metadata never reports a scope.
	data, err := json.Marshal(testToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mgr.tokensDir, "bare@example.com.json"), data, 0600); err != nil {
		t.Fatal(err)
	}

	if mgr.HasScope("bare@example.com", "https://www.googleapis.com/auth/gmail.send") {
		t.Error("expected HasScope false without scope metadata")
	}
}

func TestTokenPathSanitized(t *testing.T) {
	mgr := setupTestManager(t, Scopes)

	tests := []string{
		"../../etc/passwd",
		"a/b@example.com",
		"a\\b@example.com",
	}
	base := filepath.Clean(mgr.tokensDir)
	for _, email := range tests {
		path := mgr.tokenPath(email)
		if !strings.HasPrefix(filepath.Clean(path), base) {
			t.Errorf("tokenPath(%q) = %q escapes tokens dir", email, path)
		}
	}
}

func TestDeleteToken(t *testing.T) {
	mgr := setupTestManager(t, Scopes)

	writeTokenFile(t, mgr, "buyer@example.com", testToken, Scopes)
	if err := mgr.DeleteToken("buyer@example.com"); err != nil {
		t.Fatal(err)
	}
	if mgr.HasToken("buyer@example.com") {
		t.Error("HasToken() = true after delete")
	}

	// Deleting a missing token is not an error.
	if err := mgr.DeleteToken("missing@example.com"); err != nil {
		t.Errorf("DeleteToken(missing) error = %v", err)
	}
}
