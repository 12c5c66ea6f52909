// Command mock-eservice is a local stand-in for probed e-service versions.
//
// Routes:
//
//	GET  /rest/healthy      always 200
//	GET  /rest/failing      always 503
//	GET  /rest/flaky        fails with the configured probability
//	GET  /rest/slow         answers after the configured delay
//	POST /soap              answers a SOAP envelope with an empty response body
package main

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"time"
)

const soapResponse = `<?xml version="1.0" encoding="UTF-8"?>` +
	`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">` +
	`<soapenv:Body/></soapenv:Envelope>`

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	failRate := flag.Float64("fail-rate", 0.3, "probability that /rest/flaky answers 500")
	delay := flag.Duration("delay", 3*time.Second, "response delay of /rest/slow")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("component", "mock-eservice"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/healthy", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /rest/failing", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusServiceUnavailable, "unavailable")
	})
	mux.HandleFunc("GET /rest/flaky", func(w http.ResponseWriter, _ *http.Request) {
		if rand.Float64() < *failRate {
			writeText(w, http.StatusInternalServerError, "flaked")
			return
		}
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /rest/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(*delay):
			writeText(w, http.StatusOK, "slow ok")
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("POST /soap", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if !strings.Contains(string(body), "Envelope") {
			writeText(w, http.StatusBadRequest, "expected a SOAP envelope")
			return
		}
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = io.WriteString(w, soapResponse)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("audience", r.Header.Get("X-Audience")),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
