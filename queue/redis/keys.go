package redis

import "fmt"

// keys names every Redis key of one queue, laid out like BullMQ:
// bull:<queue>:<suffix>.
type keys struct {
	prefix string
}

func newKeys(name string) keys {
	return keys{prefix: fmt.Sprintf("bull:%s:", name)}
}

func (k keys) job(id string) string { return k.prefix + id }
func (k keys) id() string           { return k.prefix + "id" }
func (k keys) wait() string         { return k.prefix + "wait" }
func (k keys) active() string       { return k.prefix + "active" }
func (k keys) delayed() string      { return k.prefix + "delayed" }
func (k keys) completed() string    { return k.prefix + "completed" }
func (k keys) failed() string       { return k.prefix + "failed" }
func (k keys) events() string       { return k.prefix + "events" }
