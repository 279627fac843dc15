package tasksync

import (
	"github.com/erennakbas/tasksync/types"
)

// Logger is re-exported from the types package for convenience.
type Logger = types.Logger

// defaultLogger returns the standard logrus logger tagged with the component.
func defaultLogger() Logger {
	return types.DefaultLogger().WithField("component", "tasksync")
}
