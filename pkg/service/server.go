// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/pcengine/pkg/config"
	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/sfu/rtpsession"
	"github.com/livekit/pcengine/pkg/telemetry/prometheus"
)

type PCEngineServer struct {
	config     *config.Config
	sessions   *SessionManager
	rtcService *RTCService
	httpServer *http.Server
	promServer *http.Server
	running    atomic.Bool
	doneChan   chan struct{}
	closedChan chan struct{}
}

func NewPCEngineServer(conf *config.Config, sessions *SessionManager) (*PCEngineServer, error) {
	s := &PCEngineServer{
		config:     conf,
		sessions:   sessions,
		rtcService: NewRTCService(sessions, nil),
		closedChan: make(chan struct{}),
	}

	middlewares := []negroni.Handler{
		// always the first
		negroni.NewRecovery(),
		cors.New(cors.Options{
			AllowOriginFunc: func(origin string) bool {
				return true
			},
			AllowedHeaders: []string{"*"},
		}),
	}
	if conf.Development {
		middlewares = append(middlewares, negroni.NewLogger())
	}

	mux := http.NewServeMux()
	mux.Handle("/rtc", s.rtcService)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/sessions/", s.sessionStats)
	mux.HandleFunc("/", s.healthCheck)

	s.httpServer = &http.Server{
		Handler: configureMiddlewares(mux, middlewares...),
	}

	if conf.PrometheusPort > 0 {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Handler: promMux,
		}
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return s, nil
}

func (s *PCEngineServer) Node() *prometheus.NodeStats {
	stats, err := prometheus.GetNodeStats()
	if err != nil {
		return nil
	}
	return stats
}

func (s *PCEngineServer) HTTPPort() int {
	return int(s.config.Port)
}

func (s *PCEngineServer) IsRunning() bool {
	return s.running.Load()
}

func (s *PCEngineServer) Start() error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	addresses := s.config.BindAddresses
	if addresses == nil {
		addresses = []string{""}
	}

	// ensure we could listen
	listeners := make([]net.Listener, 0)
	promListeners := make([]net.Listener, 0)
	for _, addr := range addresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(s.config.Port)))
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)

		if s.promServer != nil {
			ln, err = net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprint(s.config.PrometheusPort)))
			if err != nil {
				return err
			}
			promListeners = append(promListeners, ln)
		}
	}

	values := []interface{}{
		"portHttp", s.config.Port,
		"bindAddresses", addresses,
		"rtc.portICERange", []uint16{s.config.RTC.ICEPortRangeStart, s.config.RTC.ICEPortRangeEnd},
	}
	if s.config.RTC.NodeIP != "" {
		values = append(values, "nodeIP", s.config.RTC.NodeIP)
	} else if ips, err := config.GetLocalIPAddresses(s.config.Development); err == nil {
		values = append(values, "localIPs", ips)
	}
	if s.promServer != nil {
		values = append(values, "portPrometheus", s.config.PrometheusPort)
	}
	logger.GetLogger().Infow("starting pcengine server", values...)

	s.doneChan = make(chan struct{})
	s.running.Store(true)

	httpGroup := &errgroup.Group{}
	for _, ln := range listeners {
		l := ln
		httpGroup.Go(func() error {
			return s.httpServer.Serve(l)
		})
	}
	go func() {
		if err := httpGroup.Wait(); err != http.ErrServerClosed {
			logger.GetLogger().Errorw("could not start server", err)
			s.Stop(true)
		}
	}()

	for _, ln := range promListeners {
		l := ln
		go func() {
			_ = s.promServer.Serve(l)
		}()
	}

	ticker := time.NewTicker(config.StatsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneChan:
			s.sessions.Close()

			// wait for shutdown
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			_ = s.httpServer.Shutdown(ctx)
			if s.promServer != nil {
				_ = s.promServer.Shutdown(ctx)
			}
			cancel()

			close(s.closedChan)
			return nil
		case <-ticker.C:
			if _, err := prometheus.GetNodeStats(); err != nil {
				logger.GetLogger().Debugw("could not update node stats", "error", err)
			}
		}
	}
}

func (s *PCEngineServer) Stop(force bool) {
	// wait for all sessions to end unless forced
	if !s.running.Swap(false) {
		return
	}
	if !force {
		for len(s.sessions.SessionIDs()) > 0 {
			time.Sleep(time.Second)
		}
	}
	close(s.doneChan)
	<-s.closedChan
}

func (s *PCEngineServer) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *PCEngineServer) listSessions(w http.ResponseWriter, _ *http.Request) {
	current, total := prometheus.PeerConnectionCounts()
	writeJSON(w, struct {
		Sessions []string `json:"sessions"`
		Current  int32    `json:"current"`
		Total    uint64   `json:"total"`
	}{
		Sessions: s.sessions.SessionIDs(),
		Current:  current,
		Total:    total,
	})
}

// sessionStats serves /sessions/{id}/stats
func (s *PCEngineServer) sessionStats(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "stats" || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	scope, err := parseScope(r)
	if err != nil {
		handleError(w, r, http.StatusBadRequest, err)
		return
	}
	report, err := s.sessions.StatsReport(parts[0], scope)
	if err != nil {
		handleError(w, r, http.StatusNotFound, err, "sessionID", parts[0])
		return
	}
	writeJSON(w, report)
}

func configureMiddlewares(handler http.Handler, middlewares ...negroni.Handler) *negroni.Negroni {
	n := negroni.New()
	for _, m := range middlewares {
		n.Use(m)
	}
	n.UseHandler(handler)
	return n
}

// NewPionTransportFactory builds pion backed collaborators for every new session
func NewPionTransportFactory(conf *config.Config) (TransportFactory, error) {
	dtlsFactory, err := transport.NewPionDTLSFactory()
	if err != nil {
		return nil, err
	}
	iceParams := conf.ToICEAgentParams()
	jbParams := conf.ToJitterBufferParams()

	return func(sessionID string) (*PeerTransports, error) {
		l := logger.GetLogger().WithValues("pcID", sessionID)
		params := iceParams
		params.Logger = l
		rtpManager := rtpsession.NewManager(rtpsession.ManagerParams{
			JitterBuffer: jbParams,
			Logger:       l,
		})
		return &PeerTransports{
			ICEAgent:      transport.NewPionICEAgent(params),
			DTLSFactory:   dtlsFactory,
			RTPSession:    rtpManager,
			JitterBuffers: rtpManager.Arena(),
			Release:       rtpManager.Close,
		}, nil
	}, nil
}
