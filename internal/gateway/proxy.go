package gateway

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// proxyEngine は認証済みリクエストを上流サービスへ転送するHTTPプロキシ。
// リクエスト・レスポンスのボディはストリームのまま通し、全量を
// メモリに載せることはない。
type proxyEngine struct {
	// services はサービス名から上流エンドポイントへの対応表。
	services map[string]ServiceEndpoint
	// transport は全上流で共有するHTTPトランスポート。
	// コネクションプールはランタイムのデフォルトに任せる。
	transport http.RoundTripper
}

// newProxyEngine は新しいプロキシエンジンを生成する。
func newProxyEngine(services map[string]ServiceEndpoint) *proxyEngine {
	return &proxyEngine{
		services:  services,
		transport: http.DefaultTransport,
	}
}

// forward はリクエストを指定されたサービスに転送する。
// 転送先URLは「上流ベースURL + 元のパス + 元のクエリ文字列」。
// 失敗は種別ごとにステータスコードへ変換する:
// 接続不可は503、タイムアウトは504、その他の予期しない失敗は502。
// ゲートウェイ自身はリトライしない。
func (p *proxyEngine) forward(c *gin.Context, serviceName string) {
	endpoint, ok := p.services[serviceName]
	if !ok {
		log.Printf("プロキシエラー: 未定義のサービス service=%s", serviceName)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "転送先サービスが定義されていません",
		})
		return
	}

	target := endpoint.BaseURL + c.Request.URL.EscapedPath()
	if c.Request.URL.RawQuery != "" {
		target += "?" + c.Request.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), endpoint.Timeout)
	defer cancel()

	// ボディが空でない場合のみストリームとして接続する。
	// ContentLength==-1はチャンク転送を意味する。
	var body io.Reader
	if c.Request.ContentLength > 0 || c.Request.ContentLength == -1 {
		body = c.Request.Body
	}

	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, body)
	if err != nil {
		log.Printf("プロキシエラー: リクエスト作成失敗 service=%s, error=%v", serviceName, err)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "転送リクエストの作成に失敗しました",
		})
		return
	}

	copyRequestHeaders(c.Request.Header, req.Header)
	// ContentとTypeはストリームするボディから引き直す
	req.ContentLength = c.Request.ContentLength
	if contentType := c.GetHeader("Content-Type"); contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		p.writeProxyError(c, serviceName, err)
		return
	}
	defer resp.Body.Close()

	// レスポンスヘッダーは転送フレーミングを引き直すため
	// Transfer-Encodingのみ取り除いてそのまま写す
	for name, values := range resp.Header {
		if http.CanonicalHeaderKey(name) == "Transfer-Encoding" {
			continue
		}
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Status(resp.StatusCode)

	if _, err := io.Copy(flushWriter{c.Writer}, resp.Body); err != nil {
		// ここまでに応答は書き始めているため、ステータスの差し替えは
		// できない。ログに残して打ち切る。
		log.Printf("プロキシエラー: レスポンス転送中断 service=%s, error=%v", serviceName, err)
	}
}

// flushWriter は書き込みのたびにレスポンスをフラッシュするWriter。
// 上流が逐次送信するレスポンスを、送信完了を待たずにクライアントへ
// 届けるために使う。
type flushWriter struct {
	w gin.ResponseWriter
}

// Write はpをそのまま書き込み、直後にフラッシュする。
func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.w.Flush()
	return n, err
}

// writeProxyError は転送失敗を種別ごとのステータスコードに変換して返す。
// 呼び出し側のキャンセルの場合は何も書かない。
func (p *proxyEngine) writeProxyError(c *gin.Context, serviceName string, err error) {
	if errors.Is(err, context.Canceled) || c.Request.Context().Err() != nil {
		// クライアント切断。キャンセル後に応答を書いてはならない
		c.Abort()
		return
	}

	log.Printf("プロキシエラー: service=%s, error=%v", serviceName, err)

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"success": false,
			"message": "サービス " + serviceName + " が時間内に応答しませんでした",
		})
		return
	}
	if isConnectionFailure(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "サービス " + serviceName + " に接続できません",
		})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{
		"success": false,
		"message": "サービス " + serviceName + " への転送に失敗しました",
	})
}

// isTimeout はネットワークタイムアウト起因のエラーかどうかを返す。
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionFailure は上流への接続自体に失敗したエラーかどうかを返す。
// 接続拒否・名前解決失敗など、ダイヤル段階の失敗をここに分類する。
func isConnectionFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// copyRequestHeaders は転送対象のリクエストヘッダーを写す。
// 除外判定はshouldCopyHeaderに従う。
func copyRequestHeaders(src, dst http.Header) {
	for name, values := range src {
		if !shouldCopyHeader(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// shouldCopyHeader は上流へ転送してよいリクエストヘッダーかどうかを返す。
// Hostとすべての Content-* ヘッダーは、ストリームするボディから
// 引き直すため転送しない。
func shouldCopyHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if canonical == "Host" {
		return false
	}
	return !strings.HasPrefix(canonical, "Content-")
}
