package sse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Subscriber hands out the connection a stream request should serve
type Subscriber interface {
	Subscribe(userID int64) (*Connection, bool, error)
	Unsubscribe(userID int64)
}

// IdentityFunc resolves the authenticated user of a request
type IdentityFunc func(r *http.Request) (int64, bool)

// HeaderIdentity reads the user id set by the upstream identity provider
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (int64, bool) {
		raw := r.Header.Get(header)
		if raw == "" {
			return 0, false
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
}

type Handler struct {
	subscriber Subscriber
	identity   IdentityFunc
}

func NewHandler(subscriber Subscriber, identity IdentityFunc) *Handler {
	return &Handler{
		subscriber: subscriber,
		identity:   identity,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn, err := h.takeOver(userID)
	if errors.Is(err, ErrAbsentIdentity) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	} else if errors.Is(err, errStreamBusy) {
		http.Error(w, "Stream already open", http.StatusConflict)
		return
	} else if err != nil {
		log.Errorf("could not subscribe user %d: %v", userID, err)
		http.Error(w, "Subscription failed", http.StatusInternalServerError)
		return
	}

	log.Debugf("event stream %s opened for user %d", conn.ID, userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			conn.Complete()
			log.Debugf("event stream %s of user %d completed", conn.ID, userID)
			return
		case <-conn.Done():
			return
		case ev := <-conn.Events():
			if err := WriteEvent(w, ev); err != nil {
				log.Warnf("event stream %s of user %d failed: %v", conn.ID, userID, err)
				conn.Fail(err)
				return
			}
			flusher.Flush()
		}
	}
}

var errStreamBusy = errors.New("stream already open")

// takeOver returns a connection created for this request. A live stream of
// the user belongs to another request, so it is closed and replaced.
func (h *Handler) takeOver(userID int64) (*Connection, error) {
	conn, created, err := h.subscriber.Subscribe(userID)
	if err != nil {
		return nil, err
	}
	if created {
		return conn, nil
	}

	log.Infof("replacing stream %s of user %d with a new request", conn.ID, userID)
	h.subscriber.Unsubscribe(userID)

	conn, created, err = h.subscriber.Subscribe(userID)
	if err != nil {
		return nil, err
	}
	if !created {
		// a concurrent request won the race
		return nil, errStreamBusy
	}
	return conn, nil
}

// WriteEvent writes one event in text/event-stream framing
func WriteEvent(w io.Writer, ev Event) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", ev.Name)
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
