package zotero

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/reference"
)

// Item types and attachment link modes used by the pipeline.
const (
	ItemTypeNote       = "note"
	ItemTypeAttachment = "attachment"

	LinkModeImportedFile = "imported_file"
	LinkModeImportedURL  = "imported_url"
	LinkModeLinkedFile   = "linked_file"
	LinkModeLinkedURL    = "linked_url"
)

// Item is the data of a Zotero item: a regular item, an attachment, or a note.
type Item struct {
	Key              string    `json:"key"`
	Version          int       `json:"version"`
	ItemType         string    `json:"itemType"`
	Title            string    `json:"title,omitempty"`
	Creators         []Creator `json:"creators,omitempty"`
	Date             string    `json:"date,omitempty"`
	URL              string    `json:"url,omitempty"`
	DOI              string    `json:"DOI,omitempty"`
	AbstractNote     string    `json:"abstractNote,omitempty"`
	PublicationTitle string    `json:"publicationTitle,omitempty"`
	ProceedingsTitle string    `json:"proceedingsTitle,omitempty"`
	Repository       string    `json:"repository,omitempty"`
	ArchiveID        string    `json:"archiveID,omitempty"`
	Extra            string    `json:"extra,omitempty"`
	Collections      []string  `json:"collections,omitempty"`
	Tags             []Tag     `json:"tags,omitempty"`
	DateModified     string    `json:"dateModified,omitempty"`

	// Child items
	ParentItem string `json:"parentItem,omitempty"`

	// Notes
	Note string `json:"note,omitempty"`

	// Attachments
	LinkMode    string `json:"linkMode,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Creator is an item author or editor.
type Creator struct {
	CreatorType string `json:"creatorType"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Tag is an item tag.
type Tag struct {
	Tag  string `json:"tag"`
	Type int    `json:"type,omitempty"`
}

// Collection is a Zotero collection.
type Collection struct {
	Key              string    `json:"key"`
	Version          int       `json:"version"`
	Name             string    `json:"name"`
	ParentCollection ParentKey `json:"parentCollection,omitempty"`
}

// ParentKey is a parent collection key. The API sends false for top-level
// collections.
type ParentKey string

func (p *ParentKey) UnmarshalJSON(data []byte) error {
	if string(data) == "false" || string(data) == "null" {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParentKey(s)
	return nil
}

// entry is the envelope of every object in a multi-object response.
type entry[T any] struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Data    T      `json:"data"`
}

// IsNote reports whether the item is a note.
func (it Item) IsNote() bool { return it.ItemType == ItemTypeNote }

// IsAttachment reports whether the item is an attachment.
func (it Item) IsAttachment() bool { return it.ItemType == ItemTypeAttachment }

// HasTag reports whether the item carries tag (case-insensitive).
func (it Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if strings.EqualFold(t.Tag, tag) {
			return true
		}
	}
	return false
}

var yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

// Year returns the year of the item's date, or 0.
func (it Item) Year() int {
	y, _ := strconv.Atoi(yearPattern.FindString(it.Date))
	return y
}

// Record converts a regular item into a bibliographic record.
func (it Item) Record() reference.Record {
	rec := reference.Record{
		Title:    strings.TrimSpace(it.Title),
		Year:     it.Year(),
		URL:      it.URL,
		Abstract: strings.TrimSpace(it.AbstractNote),
		DOI:      ident.NormalizeDOI(it.DOI),
		Source:   reference.ImportSource{Type: "zotero", ID: it.Key},
	}
	switch {
	case it.PublicationTitle != "":
		rec.Venue = it.PublicationTitle
	case it.ProceedingsTitle != "":
		rec.Venue = it.ProceedingsTitle
	case it.Repository != "":
		rec.Venue = it.Repository
	}
	if rec.DOI == "" {
		rec.DOI = ident.FindDOI(it.Extra)
	}
	rec.ArXivID = ident.Find(it.ArchiveID, it.URL, it.Extra).ArXivID
	if rec.ArXivID == "" && strings.HasPrefix(strings.ToLower(it.ArchiveID), "arxiv:") {
		rec.ArXivID = ident.NormalizeArXivID(it.ArchiveID[len("arxiv:"):])
	}
	for _, c := range it.Creators {
		if c.CreatorType != "" && c.CreatorType != "author" {
			continue
		}
		if name := c.String(); name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	rec.Key = reference.IdentityKey(rec)
	return rec
}

// String returns the creator's display name.
func (c Creator) String() string {
	if c.Name != "" {
		return c.Name
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// NewItem is the body of an object creation request. Only the fields valid
// for ItemType may be set.
type NewItem struct {
	ItemType         string    `json:"itemType"`
	Title            string    `json:"title,omitempty"`
	Creators         []Creator `json:"creators,omitempty"`
	Date             string    `json:"date,omitempty"`
	URL              string    `json:"url,omitempty"`
	DOI              string    `json:"DOI,omitempty"`
	AbstractNote     string    `json:"abstractNote,omitempty"`
	PublicationTitle string    `json:"publicationTitle,omitempty"`
	Repository       string    `json:"repository,omitempty"`
	ArchiveID        string    `json:"archiveID,omitempty"`
	WebsiteTitle     string    `json:"websiteTitle,omitempty"`
	Extra            string    `json:"extra,omitempty"`
	Collections      []string  `json:"collections,omitempty"`
	Tags             []Tag     `json:"tags,omitempty"`
	ParentItem       string    `json:"parentItem,omitempty"`
	Note             string    `json:"note,omitempty"`
}

// NewItemFromRecord builds a creation request for a record: a journal
// article when it has a DOI, a preprint for arXiv papers, else a web page.
func NewItemFromRecord(rec reference.Record, collections []string, tags []string) NewItem {
	it := NewItem{
		Title:        rec.Title,
		URL:          rec.URL,
		AbstractNote: rec.Abstract,
		Collections:  collections,
	}
	if rec.Year != 0 {
		it.Date = strconv.Itoa(rec.Year)
	}
	for _, name := range rec.Authors {
		a := reference.ParseAuthor(name)
		if a.First == "" {
			it.Creators = append(it.Creators, Creator{CreatorType: "author", Name: a.Last})
			continue
		}
		it.Creators = append(it.Creators, Creator{CreatorType: "author", FirstName: a.First, LastName: a.Last})
	}
	for _, t := range tags {
		if t != "" {
			it.Tags = append(it.Tags, Tag{Tag: t})
		}
	}

	switch {
	case rec.DOI != "":
		it.ItemType = "journalArticle"
		it.DOI = rec.DOI
		it.PublicationTitle = rec.Venue
	case rec.ArXivID != "":
		it.ItemType = "preprint"
		it.Repository = "arXiv"
		it.ArchiveID = "arXiv:" + rec.ArXivID
		if rec.Venue != "" && !strings.EqualFold(rec.Venue, "arxiv") {
			it.Extra = "Venue: " + rec.Venue
		}
	default:
		it.ItemType = "webpage"
		it.WebsiteTitle = rec.Venue
	}
	return it
}

// KeyInfo describes the API key in use.
type KeyInfo struct {
	Key      string `json:"key"`
	UserID   int    `json:"userID"`
	Username string `json:"username"`
	Access   struct {
		User struct {
			Library bool `json:"library"`
			Files   bool `json:"files"`
			Notes   bool `json:"notes"`
			Write   bool `json:"write"`
		} `json:"user"`
	} `json:"access"`
}

// Descendants returns key and the keys of all collections nested below it.
func Descendants(collections []Collection, key string) []string {
	children := make(map[string][]string)
	for _, c := range collections {
		if c.ParentCollection != "" {
			children[string(c.ParentCollection)] = append(children[string(c.ParentCollection)], c.Key)
		}
	}
	var out []string
	seen := make(map[string]bool)
	queue := []string{key}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		queue = append(queue, children[k]...)
	}
	return out
}
