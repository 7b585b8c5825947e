// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCountsRequests(t *testing.T) {
	handler := Prometheus(func(r *http.Request) string { return "/probe" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/probe", "418"))

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/probe", "418"))
	if after != before+1 {
		t.Errorf("Expected counter to advance by 1, got %v -> %v", before, after)
	}
}

func TestPrometheusDefaultsStatusToOK(t *testing.T) {
	handler := Prometheus(func(r *http.Request) string { return "/ok" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("hello")) // implicit 200
		}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ok", "200"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/ok", "200"))
	if after != before+1 {
		t.Errorf("Expected 200 counter to advance, got %v -> %v", before, after)
	}
}

func TestPrometheusTracksInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	handler := Prometheus(func(r *http.Request) string { return "/slow" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
		}))

	base := testutil.ToFloat64(httpInFlight)
	go handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
	<-entered

	if got := testutil.ToFloat64(httpInFlight); got != base+1 {
		t.Errorf("Expected in-flight %v, got %v", base+1, got)
	}
	close(release)
}
