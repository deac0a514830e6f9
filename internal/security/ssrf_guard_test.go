package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSSRFGuardInterface(t *testing.T) {
	var _ SSRFGuardService = NewSSRFGuard(true)
}

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	client := NewSSRFGuard(false).NewSafeClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout %v, got %v", 5*time.Second, client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewSafeClientBlocksLoopback はhttptestサーバー（127.0.0.1）への接続が拒否されることをテストする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(false).NewSafeClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name         string
		requireHTTPS bool
		url          string
		wantErr      bool
	}{
		{"GitHub API", true, "https://api.github.com", false},
		{"GitHub Enterprise", true, "https://github.example.com/api/v3", false},
		{"httpsのみでhttp", true, "http://blog.example.com/feed.xml", true},
		{"http許可", false, "http://blog.example.com/feed.xml", false},
		{"非標準ポート", false, "https://example.com:8443/feed", true},
		{"プライベートIP", false, "http://10.0.0.1/feed", true},
		{"ループバック", false, "http://127.0.0.1/feed", true},
		{"メタデータIP", false, "http://169.254.169.254/latest/meta-data", true},
		{"CGNAT", false, "http://100.64.1.1/", true},
		{"IPv6ループバック", false, "http://[::1]/feed", true},
		{"IPv4射影IPv6", false, "http://[::ffff:127.0.0.1]/", true},
		{"localhost", false, "http://localhost/feed", true},
		{"サブドメインlocalhost", false, "http://api.localhost/feed", true},
		{"空", false, "", true},
		{"スキームなし", false, "example.com/feed", true},
		{"ftp", false, "ftp://example.com/feed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewSSRFGuard(tt.requireHTTPS).ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
