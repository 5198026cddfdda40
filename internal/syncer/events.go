package syncer

// EventType enumerates emitted export events.
type EventType string

const (
	EventFolderStart    EventType = "folder_start"
	EventFolderProgress EventType = "folder_progress"
	EventFolderDone     EventType = "folder_done"
)

// Event carries progress about a folder. Err is set on a failed
// EventFolderDone.
type Event struct {
	Type   EventType
	Folder string
	Total  int
	Done   int
	Err    error
}
