package ipc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsReadLimit mirrors the teacher's agent/process readLimit: JSON frames are
// bounded generously since this protocol never streams raw byte payloads
// through Target.Send the way the teacher's stdout/stderr chunker does.
const wsReadLimit = 1 << 20

// wsTarget is the Port-like Target: a websocket connection framed with
// wsjson, grounded on agent/process/server.go and agent/process/client.go.
type wsTarget struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	closeOnce sync.Once
}

// NewWSTarget wraps an already-established websocket connection as a Target.
func NewWSTarget(log *zap.SugaredLogger, conn *websocket.Conn) Target {
	conn.SetReadLimit(wsReadLimit)
	return &wsTarget{log: log, conn: conn}
}

func (t *wsTarget) Send(ctx context.Context, f Frame, _ ...Transferable) error {
	t.log.Debugw("sending frame", "Frame", f)
	return wsjson.Write(ctx, t.conn, &f)
}

func (t *wsTarget) Recv(ctx context.Context) (Frame, error) {
	var f Frame
	err := wsjson.Read(ctx, t.conn, &f)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return Frame{}, fmt.Errorf("%w: %s", ErrChannelClosedPrematurely, err)
		}
		return Frame{}, err
	}
	return f, nil
}

func (t *wsTarget) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
