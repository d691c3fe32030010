package api

import (
	"net/http"
	"time"

	"tourplan/internal/buildinfo"
)

func (s *Server) debugInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Get(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"env":            s.cfg.App.Env,
			"timezone":       s.cfg.Location().String(),
			"optimizerChain": s.tours.ChainNames(),
			"dispatchPolicy": s.dispatcher.Policy(),
			"hasDatabaseUrl": s.cfg.DB.URL != "",
			"hasRedisUrl":    s.cfg.Redis.URL != "",
			"vroomEnabled":   s.cfg.VROOM.Enabled(),
			"trafficEnabled": s.traffic != nil,
		},
	})
}
