package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // JobsSubmitted counts admitted route jobs
    JobsSubmitted = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "route_jobs_submitted_total", Help: "Route jobs admitted to the queue."},
    )
    // JobsFinished counts terminal route jobs by state and failure kind
    JobsFinished = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "route_jobs_finished_total", Help: "Route jobs that reached a terminal state."},
        []string{"state", "kind"},
    )
    // JobsRunning is the number of jobs currently driven by a worker
    JobsRunning = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "route_jobs_running", Help: "Route jobs currently running."},
    )
    // GenerationDuration tracks one sample/evaluate/update step
    GenerationDuration = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "cmaes_generation_duration_seconds", Help: "CMA-ES generation duration in seconds.", Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}},
    )
    // DispatchDuration tracks device kernel dispatches by device and kernel
    DispatchDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "device_dispatch_duration_seconds", Help: "Kernel dispatch duration in seconds.", Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1}},
        []string{"device", "kernel"},
    )
    // CallbackDeliveries counts completion callback outcomes by status
    CallbackDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "callback_deliveries_total", Help: "Completion callback deliveries by status."},
        []string{"status"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(JobsSubmitted)
        Registry.MustRegister(JobsFinished)
        Registry.MustRegister(JobsRunning)
        Registry.MustRegister(GenerationDuration)
        Registry.MustRegister(DispatchDuration)
        Registry.MustRegister(CallbackDeliveries)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
