package docsync

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and recovers a panic. The recovered value is passed
// to handlers of type `func(error)`; handlers of type `func()` are called
// without it. Tracker callbacks and error callbacks run through here so that
// a failing observer does not unwind the sync context.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		glog.Errorf("[sync]recovered %T = %s\n%s", r, err, debug.Stack())
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

// TraceWithReturnError logs the duration of `do` at V(1), with its error if any
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	result, err := do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		glog.V(1).Infof("%s (%.2fms) err = %s\n", tag, millis, err)
	} else {
		glog.V(1).Infof("%s (%.2fms)\n", tag, millis)
	}
	return result, err
}
