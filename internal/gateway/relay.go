package gateway

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// closeWriteTimeout はCloseフレーム送信の打ち切り時間。
const closeWriteTimeout = 5 * time.Second

// wsRelay はクライアントと上流サービスの間でWebSocketフレームを
// 無加工のまま双方向に中継する。
type wsRelay struct {
	// services はサービス名から上流エンドポイントへの対応表。
	services map[string]ServiceEndpoint
	// upgrader はクライアント側ハンドシェイクの受け入れに使う。
	upgrader websocket.Upgrader
	// dialer は上流側ソケットの接続に使う。
	dialer *websocket.Dialer
	// bufferSize は方向ごとに確保する読み取りバッファのサイズ。
	bufferSize int
}

// newWSRelay は新しいWebSocket中継を生成する。
// Originの検証は認証ゲートがトークンで行うためここでは行わない。
func newWSRelay(services map[string]ServiceEndpoint, bufferSize int, handshakeTimeout time.Duration) *wsRelay {
	return &wsRelay{
		services: services,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		bufferSize: bufferSize,
	}
}

// relay はクライアントのソケットを受け入れ、上流サービスへの
// ソケットを開き、両方向のフレームポンプを並行に実行する。
// どちらかのソケットが閉じるか、リクエストがキャンセルされるまで
// 中継は続き、両方のポンプが終了した時点で完了する。
func (r *wsRelay) relay(c *gin.Context, serviceName string) {
	endpoint, ok := r.services[serviceName]
	if !ok {
		log.Printf("中継エラー: 未定義のサービス service=%s", serviceName)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "転送先サービスが定義されていません",
		})
		return
	}

	target := websocketURL(endpoint.BaseURL, c.Request.URL.EscapedPath(), c.Request.URL.RawQuery)

	client, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgraderがすでにエラー応答を書いている
		log.Printf("中継エラー: クライアント側ハンドシェイク失敗 service=%s, error=%v", serviceName, err)
		return
	}
	defer client.Close()

	// 元のハンドシェイクにBearer資格情報があれば上流にも引き継ぐ
	header := http.Header{}
	if auth := c.GetHeader("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}

	upstream, resp, err := r.dialer.DialContext(c.Request.Context(), target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		log.Printf("中継エラー: 上流接続失敗 service=%s, url=%s, error=%v", serviceName, target, err)
		deadline := time.Now().Add(closeWriteTimeout)
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "上流サービスに接続できません"),
			deadline)
		return
	}
	defer upstream.Close()

	// 親リクエストのキャンセルは両ソケットのクローズとして両ポンプに伝える。
	// 片方だけを止めると半開きソケットが残る。
	relayDone := make(chan struct{})
	go func() {
		select {
		case <-c.Request.Context().Done():
			client.Close()
			upstream.Close()
		case <-relayDone:
		}
	}()

	// ポンプが止まった時点で両ソケットを閉じる。片方向の読み取り失敗
	// （Closeフレームを伴わないTCP切断など）を逆方向のポンプの読み取り
	// エラーとして伝えないと、逆方向がNextReaderで永久に待ち続ける。
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpFrames(client, upstream, r.bufferSize)
		client.Close()
		upstream.Close()
	}()
	go func() {
		defer wg.Done()
		pumpFrames(upstream, client, r.bufferSize)
		client.Close()
		upstream.Close()
	}()
	wg.Wait()
	close(relayDone)
}

// pumpFrames は片方向のフレームポンプ。srcから1フレームずつ読み、
// メッセージ種別と境界をそのままdstへ書く。バッファは固定長で使い回し、
// バッファより大きいメッセージは複数回の読み取りに分けて転送される。
// srcからCloseフレームを受けた場合は同じコードと理由をdstへ転送して終了する。
func pumpFrames(src, dst *websocket.Conn, bufferSize int) {
	buf := make([]byte, bufferSize)
	for {
		messageType, reader, err := src.NextReader()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, text := forwardableClose(closeErr)
				deadline := time.Now().Add(closeWriteTimeout)
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), deadline)
			}
			return
		}

		writer, err := dst.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err := io.CopyBuffer(writer, reader, buf); err != nil {
			writer.Close()
			return
		}
		if err := writer.Close(); err != nil {
			return
		}
	}
}

// forwardableClose は受信したCloseエラーを、ワイヤ上に送信できる
// コードと理由の組に写す。1006と1015は実際に受信したCloseフレームでは
// なく接続異常の読み取り結果を表す予約コードであり（RFC 6455 §7.4.1）、
// そのまま送信できないため1011に置き換える。
func forwardableClose(closeErr *websocket.CloseError) (int, string) {
	switch closeErr.Code {
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr, ""
	}
	return closeErr.Code, closeErr.Text
}

// websocketURL は上流のhttp/httpsベースURLからws/wssのURLを導出する。
// ホスト・ポート・パス・クエリは元のまま使う。
func websocketURL(baseURL, path, rawQuery string) string {
	target := baseURL
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}
	target += path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}
