package model

// EventKind tags a BrowserEvent.
type EventKind int

const (
	// EventDiscovered reports a service type seen for the first time.
	EventDiscovered EventKind = iota + 1
	// EventResolved carries a fully resolved instance.
	EventResolved
	// EventRemoved reports an instance that announced its departure.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventResolved:
		return "resolved"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// BrowserEvent is a discovery notification sent from the browser to the cache.
//
// Discovered sets only ServiceType. Removed sets ServiceType and Instance.
// Resolved sets Entry, whose key matches ServiceType and Instance.
type BrowserEvent struct {
	Kind        EventKind
	ServiceType string
	Instance    string
	Entry       *ServiceEntry
}

// Key returns the instance key the event refers to.
func (ev BrowserEvent) Key() Key {
	return Key{ServiceType: ev.ServiceType, Instance: ev.Instance}
}

// Discovered builds an EventDiscovered event.
func Discovered(serviceType string) BrowserEvent {
	return BrowserEvent{Kind: EventDiscovered, ServiceType: serviceType}
}

// Resolved builds an EventResolved event for entry.
func Resolved(entry *ServiceEntry) BrowserEvent {
	return BrowserEvent{
		Kind:        EventResolved,
		ServiceType: entry.ServiceType,
		Instance:    entry.Instance,
		Entry:       entry,
	}
}

// Removed builds an EventRemoved event.
func Removed(key Key) BrowserEvent {
	return BrowserEvent{Kind: EventRemoved, ServiceType: key.ServiceType, Instance: key.Instance}
}
