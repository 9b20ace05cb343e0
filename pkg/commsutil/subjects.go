package commsutil

import (
	"fmt"
	"strings"
)

// SubjectPrefix roots every IPC subject.
const SubjectPrefix = "ipc"

// BuildPostSubject is where the bridge posts raw messages for the host labelled label.
func BuildPostSubject(label string) string {
	return fmt.Sprintf("%s.%s.post", SubjectPrefix, token(label))
}

// BuildFrameSubject is where the host publishes callback frames for one invoke key.
func BuildFrameSubject(label, invokeKey string) string {
	return fmt.Sprintf("%s.%s.frames.%s", SubjectPrefix, token(label), token(invokeKey))
}

// BuildReadySubject answers readiness requests.
func BuildReadySubject(label string) string {
	return fmt.Sprintf("%s.%s.ready", SubjectPrefix, token(label))
}

// token makes s usable as a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
