// Command tourwatch prints the live events of one tour.
//
//	tourwatch -tour 6f1c... [-addr localhost:8080] [-recompute]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"tourplan/internal/logging"
	"tourplan/internal/tour"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "API host:port")
	tourID := flag.String("tour", "", "tour id to watch")
	recompute := flag.Bool("recompute", false, "trigger a stats recompute once connected")
	flag.Parse()

	log := logging.New(logging.Options{ServiceName: "tourwatch", Format: "console"})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *tourID == "" {
		fmt.Fprintln(os.Stderr, "tourwatch: -tour is required")
		flag.Usage()
		os.Exit(2)
	}
	ctx = log.WithTourID(ctx, *tourID)

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/v1/ws", RawQuery: url.Values{"tourId": {*tourID}}.Encode()}
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		log.Error(ctx, "dial", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()
	log.Info(ctx, "watching tour")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var evt tour.Event
			if err := c.ReadJSON(&evt); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error(ctx, "read", err)
				}
				return
			}
			data, _ := json.Marshal(evt.Data)
			log.Info(log.WithFields(ctx, map[string]any{"event": evt.Type, "at": evt.At.Format(time.RFC3339), "data": string(data)}), "event")
		}
	}()

	if *recompute {
		if err := triggerRecompute(ctx, *addr, *tourID); err != nil {
			log.Error(ctx, "recompute", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}

func triggerRecompute(ctx context.Context, addr, tourID string) error {
	endpoint := fmt.Sprintf("http://%s/v1/tours/%s/recompute", addr, url.PathEscape(tourID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(`{"useTraffic":false}`)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recompute returned %s", resp.Status)
	}
	return nil
}
