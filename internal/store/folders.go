package store

// DefaultFolder is where records land until an operator files them.
const DefaultFolder = "All"

var folders = []string{
	DefaultFolder,
	"Superbox",
	"AX",
	"GSM",
	"Special",
	"Folder-1",
	"Folder-2",
	"Folder-3",
	"Folder-4",
}

// Folders returns the fixed set of folder labels in display order.
func Folders() []string {
	out := make([]string, len(folders))
	copy(out, folders)
	return out
}

func ValidFolder(name string) bool {
	for _, f := range folders {
		if f == name {
			return true
		}
	}
	return false
}
