package config

import (
	"time"

	"github.com/spf13/viper"
)

// Queue backend and event transport names.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	EventsRedis    = "redis"
	EventsKafka    = "kafka"
	EventsRabbitMQ = "rabbitmq"
)

// Queue durable queue config struct
type Queue struct {
	Name    string `json:"name" yaml:"name"`
	Backend string `json:"backend" yaml:"backend"`
	Events  string `json:"events" yaml:"events"`
	// RemoveOnComplete is how many completed jobs are kept; 0 removes them at once.
	RemoveOnComplete int `json:"remove_on_complete" yaml:"remove_on_complete"`
	RemoveOnFail     int `json:"remove_on_fail" yaml:"remove_on_fail"`
	Attempts         int `json:"attempts" yaml:"attempts"`
	// Backoff delays a retry; zero requeues at once.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
}

// Status cache and ingestion config struct
type Status struct {
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	IngestLanes  int           `json:"ingest_lanes" yaml:"ingest_lanes"`
}

// Realtime websocket config struct
type Realtime struct {
	SendBuffer int           `json:"send_buffer" yaml:"send_buffer"`
	WriteWait  time.Duration `json:"write_wait" yaml:"write_wait"`
	PongWait   time.Duration `json:"pong_wait" yaml:"pong_wait"`
	// MaxQueries bounds concurrent getJobStatus lookups across sessions.
	MaxQueries int `json:"max_queries" yaml:"max_queries"`
}

// Worker runner config struct
type Worker struct {
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`
	StepDelay   time.Duration `json:"step_delay" yaml:"step_delay"`
}

func getQueueConfig(v *viper.Viper) *Queue {
	return &Queue{
		Name:             getStringOrDefault(v, "queue.name", "job-processing"),
		Backend:          getStringOrDefault(v, "queue.backend", BackendRedis),
		Events:           getStringOrDefault(v, "queue.events", EventsRedis),
		RemoveOnComplete: getIntOrDefault(v, "queue.remove_on_complete", 0),
		RemoveOnFail:     getIntOrDefault(v, "queue.remove_on_fail", 50),
		Attempts:         getIntOrDefault(v, "queue.attempts", 1),
		Backoff:          getDurationOrDefault(v, "queue.backoff", 0),
	}
}

func getStatusConfig(v *viper.Viper) *Status {
	return &Status{
		FetchTimeout: getDurationOrDefault(v, "status.fetch_timeout", 2*time.Second),
		IngestLanes:  getIntOrDefault(v, "status.ingest_lanes", 8),
	}
}

func getRealtimeConfig(v *viper.Viper) *Realtime {
	return &Realtime{
		SendBuffer: getIntOrDefault(v, "realtime.send_buffer", 256),
		WriteWait:  getDurationOrDefault(v, "realtime.write_wait", 10*time.Second),
		PongWait:   getDurationOrDefault(v, "realtime.pong_wait", 60*time.Second),
		MaxQueries: getIntOrDefault(v, "realtime.max_queries", 64),
	}
}

func getWorkerConfig(v *viper.Viper) *Worker {
	return &Worker{
		MaxWorkers:  getIntOrDefault(v, "worker.max_workers", 4),
		QueueSize:   getIntOrDefault(v, "worker.queue_size", 16),
		TaskTimeout: getDurationOrDefault(v, "worker.task_timeout", 5*time.Minute),
		StepDelay:   getDurationOrDefault(v, "worker.step_delay", time.Second),
	}
}
