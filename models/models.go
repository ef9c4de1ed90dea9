package models

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// RunId identifies one execution of a workflow against one event.
type RunId string

func NewRunId() RunId {
	return RunId(uuid.NewString())
}

func (r RunId) String() string {
	return string(r)
}

type JobId struct {
	Run  RunId
	Name string
}

func (jid JobId) String() string {
	return fmt.Sprintf("%s-%s", normalize(string(jid.Run)), normalize(jid.Name))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}
