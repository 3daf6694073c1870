package procpool

import "errors"

const Namespace = "procpool"

var (
	ErrInvalidConfig   = errors.New(Namespace + ": invalid configuration")
	ErrInvalidItem     = errors.New(Namespace + ": invalid work item")
	ErrOpRegistered    = errors.New(Namespace + ": operation already registered")
	ErrOpNotRegistered = errors.New(Namespace + ": operation not registered in this binary")
	ErrPrecondition    = errors.New(Namespace + ": work item precondition failed")
	ErrAlreadyRunning  = errors.New(Namespace + ": items cannot be added after the pool has started")
	ErrSpawn           = errors.New(Namespace + ": spawning worker process failed")
	ErrNoResult        = errors.New(Namespace + ": worker closed its channel without a result")
	ErrBadResult       = errors.New(Namespace + ": worker result is not a valid JSON mapping")
)
