package drive

import (
	"time"
)

// FolderMimeType is the MIME type of drive folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// DefaultFields is the field projection requested for every file.
const DefaultFields = "id,name,mimeType,parents,size,md5Checksum,createdTime,modifiedTime,trashed,starred,description,webViewLink"

// File is the metadata of a drive file or folder.
type File struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	Description  string    `json:"description,omitempty"`
	Parents      []string  `json:"parents,omitempty"`
	Size         int64     `json:"size,string,omitempty"`
	MD5Checksum  string    `json:"md5Checksum,omitempty"`
	CreatedTime  time.Time `json:"createdTime,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime,omitempty"`
	Trashed      bool      `json:"trashed,omitempty"`
	Starred      bool      `json:"starred,omitempty"`
	WebViewLink  string    `json:"webViewLink,omitempty"`
}

// IsFolder ...
func (f File) IsFolder() bool {
	return f.MimeType == FolderMimeType
}

// FileList is one page of a file listing.
type FileList struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// FileUpdate holds the metadata changes of an Update. Zero values are left unchanged.
type FileUpdate struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Starred     *bool  `json:"starred,omitempty"`
	Trashed     *bool  `json:"trashed,omitempty"`

	// AddParents and RemoveParents move the file between folders.
	AddParents    []string `json:"-"`
	RemoveParents []string `json:"-"`
}

// createMetadata is the request body of Create and Copy. Unlike File it never carries read-only fields.
type createMetadata struct {
	Name        string   `json:"name,omitempty"`
	MimeType    string   `json:"mimeType,omitempty"`
	Description string   `json:"description,omitempty"`
	Parents     []string `json:"parents,omitempty"`
	Starred     bool     `json:"starred,omitempty"`
}

func newCreateMetadata(file File) createMetadata {
	return createMetadata{
		Name:        file.Name,
		MimeType:    file.MimeType,
		Description: file.Description,
		Parents:     file.Parents,
		Starred:     file.Starred,
	}
}
