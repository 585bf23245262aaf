package ports

import "time"

type Policy struct {
	MaxBufferLen   int           `yaml:"max_buffer_len"`
	EventQueueLen  int           `yaml:"event_queue_len"`
	IdleSleep      time.Duration `yaml:"idle_sleep"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`
	SkipFinalFlush bool          `yaml:"skip_final_flush"`

	OnBufferFull     string `yaml:"on_buffer_full"` // "force_flush", "drop_oldest", "reject"
	ObserverMode     string `yaml:"observer_mode"`  // "sync", "async"
	ObserverQueueLen int    `yaml:"observer_queue_len"`
}
