// Package transport 抽象“按名字连接的双工通道”：每一跳可以是网络 websocket，也可以是进程内管道。
package transport

import (
	"context"
	"errors"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("transport: connection closed")

// Conn 一条已建立的双工连接。
// ReadMessage 只允许单个 goroutine 调用；WriteMessage / Close 可并发调用。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
	ID() string
}

// Dialer 建立到某个命名远端的连接
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	Name() string
}
