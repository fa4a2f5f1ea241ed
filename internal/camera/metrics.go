package camera

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camkit/camlink/core/logx"
)

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camlink_connected",
		Help: "Whether a control session to the camera is open (1 or 0)",
	})
	reconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camlink_reconnects_total",
		Help: "Total number of reconnect rounds run after transport failures",
	})
	fallbacksCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camlink_longpoll_fallbacks_total",
		Help: "Total number of failed long-poll probes retried as immediate ones",
	})
	resyncsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camlink_liveview_resyncs_total",
		Help: "Total number of times malformed liveview framing forced a buffer discard",
	})
	imagesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camlink_liveview_images_total",
		Help: "Total number of liveview images decoded",
	})
	callsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camlink_control_calls_total",
		Help: "Total number of control calls by outcome",
	}, []string{"outcome"})
)

func setConnectedGauge(v bool) {
	if v {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

func recordCall(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	callsCounter.WithLabelValues(outcome).Inc()
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on
// /metrics. It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		connectedGauge,
		reconnectsCounter,
		fallbacksCounter,
		resyncsCounter,
		imagesCounter,
		callsCounter,
	)
	mux := chiRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addrOut, err := serveLocal(ctx, "metrics", addr, mux)
	if err != nil {
		return "", err
	}
	logx.Log.Info().Str("addr", addrOut).Msg("metrics server started")
	return addrOut, nil
}
