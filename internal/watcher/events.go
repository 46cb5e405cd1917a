package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

type FileEvent struct {
	Path      string
	Type      EventType
	Timestamp time.Time
}

func convertEvent(event fsnotify.Event) (FileEvent, bool) {
	var t EventType
	switch {
	case event.Has(fsnotify.Create):
		t = EventCreate
	case event.Has(fsnotify.Write):
		t = EventModify
	case event.Has(fsnotify.Remove):
		t = EventDelete
	case event.Has(fsnotify.Rename):
		t = EventRename
	default:
		return FileEvent{}, false
	}
	return FileEvent{Path: event.Name, Type: t, Timestamp: time.Now()}, true
}
