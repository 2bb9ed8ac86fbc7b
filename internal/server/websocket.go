package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"transcript-server/internal/domain"
	"transcript-server/internal/jobs"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleProgressStream pushes job snapshots until the job is terminal or
// the client goes away.
func (s *Server) handleProgressStream(c echo.Context) error {
	jobID := c.Param("job_id")
	events := s.jobs.Events()

	// Read the cursor before the snapshot so no update falls in between.
	seq := events.LastSeq()
	job, err := s.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return jobNotFound(c)
		}
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithField("job_id", jobID).WithError(err).Warn("websocket upgrade")
		return nil
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	log := s.log.WithField("job_id", jobID)
	if err := writeJob(conn, job); err != nil {
		log.WithError(err).Debug("websocket write")
		return nil
	}
	if job.Status.IsTerminal() {
		closeNormal(conn)
		return nil
	}

	poll := time.NewTicker(s.poll)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-poll.C:
			for _, ev := range events.Since(jobID, seq) {
				seq = ev.Seq
				if err := writeJob(conn, ev.Job); err != nil {
					log.WithError(err).Debug("websocket write")
					return nil
				}
				if ev.Job.Status.IsTerminal() {
					closeNormal(conn)
					return nil
				}
			}
			// The terminal event may already be trimmed from the buffer.
			current, err := s.jobs.Get(jobID)
			if errors.Is(err, jobs.ErrJobNotFound) {
				closeNormal(conn)
				return nil
			}
			if err == nil && current.Status.IsTerminal() {
				if err := writeJob(conn, current); err != nil {
					log.WithError(err).Debug("websocket write")
					return nil
				}
				closeNormal(conn)
				return nil
			}
		}
	}
}

func writeJob(conn *websocket.Conn, job domain.Job) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(job)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readUntilClosed drains client frames so control messages are processed.
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
