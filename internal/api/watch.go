package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/tasks"
)

const watchPoll = 50 * time.Millisecond

// WatchJob handles GET /api/jobs/{id}/watch. It upgrades to a websocket and
// sends the task view each time its status or worker changes. The final
// message carries the resolved task, after which the socket is closed.
func (a *API) WatchJob(w http.ResponseWriter, r *http.Request) {
	t, ok := a.task(w, r)
	if !ok {
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logx.Log.Warn().Err(err).Str("task_id", t.ID).Msg("watch upgrade")
		return
	}
	defer func() { _ = ws.Close(websocket.StatusInternalError, "closing") }()
	ctx := ws.CloseRead(r.Context())

	if err := watchTask(ctx, ws, t); err != nil {
		logx.Log.Debug().Err(err).Str("task_id", t.ID).Msg("watch ended")
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "resolved")
}

func watchTask(ctx context.Context, ws *websocket.Conn, t *tasks.Task) error {
	ticker := time.NewTicker(watchPoll)
	defer ticker.Stop()
	var lastStatus tasks.Status
	var lastWorker string
	for {
		v := t.View()
		if v.Status != lastStatus || v.WorkerID != lastWorker {
			b, err := json.Marshal(viewOf(v))
			if err != nil {
				return err
			}
			if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
				return err
			}
			lastStatus, lastWorker = v.Status, v.WorkerID
		}
		if v.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Done():
		case <-ticker.C:
		}
	}
}
