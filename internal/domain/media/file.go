package media

import "time"

// StoredFile is a finished artifact inside a user directory.
type StoredFile struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
}
