package gateway

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestProxyForward はHTTPプロキシの転送を検証する。
func TestProxyForward(t *testing.T) {
	t.Parallel()

	t.Run("リクエストボディがバイト単位で同一のまま上流に届くこと", func(t *testing.T) {
		t.Parallel()

		payload := make([]byte, 256*1024)
		if _, err := rand.Read(payload); err != nil {
			t.Fatalf("乱数ボディの生成に失敗: %v", err)
		}

		var received []byte
		s, _ := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("上流でのボディ読み取りに失敗: %v", err)
			}
			received = body
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		})
		seedAccount(t, s, "user-body", true)
		accessToken, _ := loginAs(t, s, "user-body")

		req := httptest.NewRequest(http.MethodPost, "/api/files/upload", bytes.NewReader(payload))
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/octet-stream")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusCreated)
		}
		if !bytes.Equal(received, payload) {
			t.Error("上流に届いたボディが元のボディと一致しない")
		}
		if !bytes.Equal(w.Body.Bytes(), payload) {
			t.Error("返送されたボディが元のボディと一致しない")
		}
	})

	t.Run("上流のステータスコードがそのまま返ること", func(t *testing.T) {
		t.Parallel()

		s, _ := newTestServerWithBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
		seedAccount(t, s, "user-status", true)
		accessToken, _ := loginAs(t, s, "user-status")

		req := httptest.NewRequest(http.MethodGet, "/api/files/1", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusTeapot {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTeapot)
		}
	})

	t.Run("パスとクエリ文字列が保存されること", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotQuery string
		s, _ := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			w.WriteHeader(http.StatusOK)
		})
		seedAccount(t, s, "user-query", true)
		accessToken, _ := loginAs(t, s, "user-query")

		req := httptest.NewRequest(http.MethodGet, "/api/files/search?q=%E5%A5%91%E7%B4%84&page=2&sort=name", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if gotPath != "/api/files/search" {
			t.Errorf("上流のパス = %q, want %q", gotPath, "/api/files/search")
		}
		if gotQuery != "q=%E5%A5%91%E7%B4%84&page=2&sort=name" {
			t.Errorf("上流のクエリ = %q, want %q", gotQuery, "q=%E5%A5%91%E7%B4%84&page=2&sort=name")
		}
	})

	t.Run("リクエストヘッダーとレスポンスヘッダーが写されること", func(t *testing.T) {
		t.Parallel()

		var gotAuth, gotCustom string
		s, _ := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotCustom = r.Header.Get("X-Request-Id")
			w.Header().Set("X-Upstream-Version", "1.2.3")
			w.WriteHeader(http.StatusOK)
		})
		seedAccount(t, s, "user-headers", true)
		accessToken, _ := loginAs(t, s, "user-headers")

		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Request-Id", "req-12345")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if gotAuth != "Bearer "+accessToken {
			t.Error("Authorizationヘッダーが上流に転送されていない")
		}
		if gotCustom != "req-12345" {
			t.Errorf("X-Request-Id = %q, want %q", gotCustom, "req-12345")
		}
		if got := w.Header().Get("X-Upstream-Version"); got != "1.2.3" {
			t.Errorf("X-Upstream-Version = %q, want %q", got, "1.2.3")
		}
	})

	t.Run("上流の送信完了を待たずにレスポンスが届き始めること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		s, _ := newTestServerWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
			flusher, ok := w.(http.Flusher)
			if !ok {
				t.Error("上流のResponseWriterがFlusherを実装していない")
				return
			}
			_, _ = io.WriteString(w, "chunk-1\n")
			flusher.Flush()
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			_, _ = io.WriteString(w, "chunk-2\n")
		})
		seedAccount(t, s, "user-stream", true)
		accessToken, _ := loginAs(t, s, "user-stream")

		gateway := httptest.NewServer(s.router)
		t.Cleanup(gateway.Close)

		req, err := http.NewRequest(http.MethodGet, gateway.URL+"/api/files/stream", nil)
		if err != nil {
			t.Fatalf("リクエスト作成に失敗: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("リクエスト送信に失敗: %v", err)
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		firstLine := make(chan string, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				firstLine <- ""
				return
			}
			firstLine <- line
		}()

		// 上流はまだ2チャンク目を送っていない。ここで最初のチャンクが
		// 読めなければ、中継がレスポンスを貯め込んでいる
		select {
		case line := <-firstLine:
			if line != "chunk-1\n" {
				t.Fatalf("最初のチャンク = %q, want %q", line, "chunk-1\n")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("最初のチャンクが上流の送信完了前に届かない")
		}

		close(release)
		rest, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("残りのボディ読み取りに失敗: %v", err)
		}
		if string(rest) != "chunk-2\n" {
			t.Errorf("残りのボディ = %q, want %q", string(rest), "chunk-2\n")
		}
	})

	t.Run("接続できない上流では503が返ること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		seedAccount(t, s, "user-503", true)
		accessToken, _ := loginAs(t, s, "user-503")

		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["success"] != false {
			t.Error("success = true, want false")
		}
	})

	t.Run("タイムアウトする上流では504が返ること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(3 * time.Second):
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(backend.Close)

		cfg := testConfig(backend.URL)
		for name, endpoint := range cfg.Services {
			endpoint.Timeout = 100 * time.Millisecond
			cfg.Services[name] = endpoint
		}
		s := newTestServerWithConfig(t, cfg)
		seedAccount(t, s, "user-504", true)
		accessToken, _ := loginAs(t, s, "user-504")

		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		req.Header.Set("Authorization", "Bearer "+accessToken)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		if w.Code != http.StatusGatewayTimeout {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusGatewayTimeout)
		}
	})
}

// TestShouldCopyHeader は転送ヘッダーの選別を検証する。
func TestShouldCopyHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"Authorizationは転送する", "Authorization", true},
		{"Acceptは転送する", "Accept", true},
		{"独自ヘッダーは転送する", "X-Request-Id", true},
		{"Hostは転送しない", "Host", false},
		{"Content-Lengthは転送しない", "Content-Length", false},
		{"Content-Typeは転送しない", "Content-Type", false},
		{"Content-Encodingは転送しない", "Content-Encoding", false},
		{"小文字のcontent-typeも転送しない", "content-type", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := shouldCopyHeader(tt.header); got != tt.want {
				t.Errorf("shouldCopyHeader(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}
