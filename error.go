package evdispatch

import "errors"

var ErrReactorClosed = errors.New("reactor is closed")
var ErrDispatcherClosed = errors.New("dispatcher is closed")
var ErrInvalidFd = errors.New("invalid file descriptor")
var ErrUnknownWakeChannel = errors.New("unknown wake channel kind")
var ErrEventNotInitialized = errors.New("event has no reactor")

var errNoFdFromConn = errors.New("can't get file descriptor from connection")
