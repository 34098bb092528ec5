package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecordType_IsValid(t *testing.T) {
	tests := []struct {
		typ  RecordType
		want bool
	}{
		{TypeFavorite, true},
		{TypeBookmark, true},
		{TypeSessionProgress, true},
		{RecordType("NoteSyncObject"), false},
		{RecordType(""), false},
	}

	for _, tt := range tests {
		if got := tt.typ.IsValid(); got != tt.want {
			t.Errorf("RecordType(%q).IsValid() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestParseRecordType(t *testing.T) {
	tests := []struct {
		in      string
		want    RecordType
		wantErr bool
	}{
		{"BookmarkSyncObject", TypeBookmark, false},
		{"bookmarksyncobject", TypeBookmark, false},
		{"favorite", TypeFavorite, false},
		{"Progress", TypeSessionProgress, false},
		{"note", "", true},
	}

	for _, tt := range tests {
		got, err := ParseRecordType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRecordType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRecordType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecordType_Table(t *testing.T) {
	seen := make(map[string]bool)
	for _, typ := range AllRecordTypes() {
		table := typ.Table()
		if table == "" {
			t.Errorf("%s has no table", typ)
		}
		if seen[table] {
			t.Errorf("table %s used twice", table)
		}
		seen[table] = true
	}
	if got := TypeSessionProgress.ShortName(); got != "progress" {
		t.Errorf("ShortName() = %q, want progress", got)
	}
	if got := TypeBookmark.ShortName(); got != "bookmark" {
		t.Errorf("ShortName() = %q, want bookmark", got)
	}
}

func TestBookmark_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		b       Bookmark
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid bookmark",
			b:    Bookmark{ID: "B1", SessionID: "wwdc2021-100", Body: "hello", CreatedAt: now, ModifiedAt: now},
		},
		{
			name:    "missing id",
			b:       Bookmark{SessionID: "wwdc2021-100", CreatedAt: now},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing session",
			b:       Bookmark{ID: "B1", CreatedAt: now},
			wantErr: true,
			errMsg:  "session_id is required",
		},
		{
			name:    "negative timecode",
			b:       Bookmark{ID: "B1", SessionID: "s", Timecode: -1, CreatedAt: now},
			wantErr: true,
			errMsg:  "timecode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.b.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestSessionProgress_Validate(t *testing.T) {
	p := NewSessionProgress("wwdc2021-100", 30, 0.5)
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	p.RelativePosition = 1.5
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted relative position above 1")
	}
}

func TestNewRecords(t *testing.T) {
	f := NewFavorite("wwdc2021-100")
	b := NewBookmark("wwdc2021-100", "hello", 12)

	if f.ID == "" || b.ID == "" {
		t.Fatal("constructors must assign identifiers")
	}
	if f.ID == b.ID {
		t.Error("identifiers must be unique")
	}
	if len(f.RemoteFields()) != 0 {
		t.Error("new records must not carry system fields")
	}

	var _ Record = f
	var _ Record = b
	var _ Record = NewSessionProgress("s", 0, 0)
}

func TestReadAllSessionFiles(t *testing.T) {
	dir := t.TempDir()

	if err := WriteSessionFile(dir, &Session{ID: "wwdc2021-100", Title: "Keynote", Year: 2021}); err != nil {
		t.Fatalf("WriteSessionFile() failed: %v", err)
	}

	yamlList := "- id: wwdc2021-101\n  title: Platforms State of the Union\n- id: wwdc2021-102\n  title: Apple Design Awards\n"
	if err := os.WriteFile(filepath.Join(dir, "batch.yaml"), []byte(yamlList), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	sessions, err := ReadAllSessionFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllSessionFiles() failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}

	ids := make(map[string]bool)
	for _, s := range sessions {
		ids[s.ID] = true
	}
	for _, id := range []string{"wwdc2021-100", "wwdc2021-101", "wwdc2021-102"} {
		if !ids[id] {
			t.Errorf("missing session %s", id)
		}
	}
}

func TestReadAllSessionFiles_MissingDir(t *testing.T) {
	sessions, err := ReadAllSessionFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("ReadAllSessionFiles() failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("got %d sessions, want 0", len(sessions))
	}
}
