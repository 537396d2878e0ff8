package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func parseAll(t *testing.T, data []byte, chunkSize int) []Embedded {
	t.Helper()
	offsets, err := FindSentinelsSize(bytes.NewReader(data), chunkSize)
	if err != nil {
		t.Fatalf("FindSentinelsSize() error = %v", err)
	}
	entries, err := ParseEntries(bytes.NewReader(data), int64(len(data)), offsets)
	if err != nil {
		t.Fatalf("ParseEntries() error = %v", err)
	}
	return entries
}

func buildBytes(t *testing.T, base []byte, layout Layout) ([]byte, []Embedded) {
	t.Helper()
	var buf bytes.Buffer
	table, err := Build(&buf, bytes.NewReader(base), int64(len(base)), layout)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return buf.Bytes(), table
}

func openBytes(t *testing.T, data []byte) *Container {
	t.Helper()
	c, err := New(NewBytesFile(data), DefaultChunkSize)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestSentinelValue(t *testing.T) {
	got := Sentinel()
	if len(got) != SentinelLen || got[0] != '!' || string(got[1:]) != strings.ToUpper("ins") {
		t.Errorf("Sentinel() = % x", got)
	}
	got[0] = 0
	if Sentinel()[0] != '!' {
		t.Error("Sentinel() shares its backing array")
	}
}

func TestConcreteLayout(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 100))
	if _, err := WriteEntry(&buf, "a", 5, bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatal(err)
	}
	if _, err := WriteEntry(&buf, "b", 7, bytes.NewReader([]byte("world!!"))); err != nil {
		t.Fatal(err)
	}

	if want := 100 + (4 + 2 + 1 + 4 + 5) + (4 + 2 + 1 + 4 + 7); buf.Len() != want {
		t.Fatalf("container length = %d, want %d", buf.Len(), want)
	}

	got := parseAll(t, buf.Bytes(), DefaultChunkSize)
	want := []Embedded{
		{Name: "a", Offset: 111, RawOffset: 100, Size: 5},
		{Name: "b", Offset: 127, RawOffset: 116, Size: 7},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %+v, want %+v", got, want)
	}
}

func TestWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteHeader(&buf, "cfg", 0x01020304)
	if err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	want := append(Sentinel(), 0x00, 0x03, 'c', 'f', 'g', 0x01, 0x02, 0x03, 0x04)
	if n != int64(len(want)) || !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("header = % x (%d), want % x", buf.Bytes(), n, want)
	}

	if _, err := WriteHeader(&buf, string(make([]byte, MaxNameLen+1)), 0); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("long name err = %v, want ErrNameTooLong", err)
	}
	if _, err := WriteHeader(&buf, "big", MaxContentLen+1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("large content err = %v, want ErrTooLarge", err)
	}
}

func TestRoundTrip(t *testing.T) {
	payloadWithMarker := append([]byte("prefix"), Sentinel()...)
	payloadWithMarker = append(payloadWithMarker, 0x00, 0x01, 'x', 0, 0, 0, 1, 'y')
	payloadWithMarker = append(payloadWithMarker, bytes.Repeat(Sentinel(), 50)...)

	tests := []struct {
		name  string
		files map[string][]byte
	}{
		{"no files", nil},
		{"one file", map[string][]byte{"only.txt": []byte("content")}},
		{"many files", map[string][]byte{
			"c.bin":       bytes.Repeat([]byte{0xAB}, 10000),
			"a.txt":       []byte("first"),
			"b/empty":     {},
			"dir/sub.dat": []byte("nested"),
		}},
		{"sentinel in payload", map[string][]byte{
			"evil":  payloadWithMarker,
			"after": []byte("still here"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var files []Payload
			for name, data := range tt.files {
				files = append(files, BytesPayload(name, data))
			}
			base := bytes.Repeat([]byte("BASE"), 64)
			data, table := buildBytes(t, base, Layout{Config: []byte(`{"k":1}`), Files: files})

			got := parseAll(t, data, DefaultChunkSize)
			if !reflect.DeepEqual(got, table) {
				t.Fatalf("parsed %+v, built %+v", got, table)
			}
			if len(got) != len(tt.files)+1 {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.files)+1)
			}
			for i, e := range got[1:] {
				if i > 0 && got[i].Name >= e.Name {
					t.Errorf("entries not sorted: %q before %q", got[i].Name, e.Name)
				}
				if !bytes.Equal(data[e.Offset:e.End()], tt.files[e.Name]) {
					t.Errorf("content of %q differs", e.Name)
				}
			}
		})
	}
}

func TestChunkSizeIndependence(t *testing.T) {
	files := []Payload{
		BytesPayload("x", append(Sentinel(), Sentinel()...)),
		BytesPayload("y", []byte("yy")),
		BytesPayload("z", nil),
	}
	data, _ := buildBytes(t, []byte("b"), Layout{Config: []byte("c"), Meta: []byte("m"), Files: files})

	ref, err := FindSentinelsSize(bytes.NewReader(data), len(data)+10)
	if err != nil {
		t.Fatal(err)
	}
	refEntries := parseAll(t, data, DefaultChunkSize)

	for _, size := range []int{1, 2, 3, 4, 5, 7, 11, 64, DefaultChunkSize} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			got, err := FindSentinelsSize(bytes.NewReader(data), size)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, ref) {
				t.Errorf("offsets = %v, want %v", got, ref)
			}
			if entries := parseAll(t, data, size); !reflect.DeepEqual(entries, refEntries) {
				t.Errorf("entries differ at chunk size %d", size)
			}
		})
	}
}

func TestFindSentinelsEdges(t *testing.T) {
	s := Sentinel()
	tests := []struct {
		name string
		data []byte
		want []int64
	}{
		{"empty", nil, nil},
		{"exact sentinel", s, []int64{0}},
		{"partial at end", append([]byte("xx"), s[:3]...), nil},
		{"sentinel in last four bytes", append([]byte("xx"), s...), []int64{2}},
		{"adjacent", append(bytes.Clone(s), s...), []int64{0, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, size := range []int{1, 3, 4096} {
				got, err := FindSentinelsSize(bytes.NewReader(tt.data), size)
				if err != nil {
					t.Fatal(err)
				}
				if !reflect.DeepEqual(got, tt.want) {
					t.Errorf("chunk %d: offsets = %v, want %v", size, got, tt.want)
				}
			}
		})
	}

	if _, err := FindSentinelsSize(bytes.NewReader(s), 0); err == nil {
		t.Error("chunk size 0 accepted")
	}
}

func TestParseEntriesErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("base")
	if _, err := WriteEntry(&buf, "a", 5, bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	t.Run("truncated content", func(t *testing.T) {
		data := good[:len(good)-1]
		offsets, _ := FindSentinels(bytes.NewReader(data))
		_, err := ParseEntries(bytes.NewReader(data), int64(len(data)), offsets)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		data := append(bytes.Clone(good), Sentinel()...)
		data = append(data, 0x00)
		offsets, _ := FindSentinels(bytes.NewReader(data))
		_, err := ParseEntries(bytes.NewReader(data), int64(len(data)), offsets)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("truncated name", func(t *testing.T) {
		data := append(bytes.Clone(good), Sentinel()...)
		data = append(data, 0x00, 0x09, 'n')
		offsets, _ := FindSentinels(bytes.NewReader(data))
		_, err := ParseEntries(bytes.NewReader(data), int64(len(data)), offsets)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("decreasing offsets", func(t *testing.T) {
		_, err := ParseEntries(bytes.NewReader(good), int64(len(good)), []int64{4, 0})
		if !errors.Is(err, ErrUnordered) {
			t.Errorf("err = %v, want ErrUnordered", err)
		}
	})

	t.Run("repeated offset", func(t *testing.T) {
		_, err := ParseEntries(bytes.NewReader(good), int64(len(good)), []int64{4, 4})
		if !errors.Is(err, ErrUnordered) {
			t.Errorf("err = %v, want ErrUnordered", err)
		}
	})

	t.Run("no sentinel at candidate", func(t *testing.T) {
		_, err := ParseEntries(bytes.NewReader(good), int64(len(good)), []int64{1})
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("err = %v, want ErrCorrupt", err)
		}
	})

	t.Run("empty table is not an error", func(t *testing.T) {
		entries, err := ParseEntries(bytes.NewReader([]byte("plain")), 5, nil)
		if err != nil || len(entries) != 0 {
			t.Errorf("ParseEntries() = %v, %v; want empty, nil", entries, err)
		}
	})
}

func TestParseEntriesLossyName(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteEntry(&buf, "bad\xffname", 1, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	entries := parseAll(t, buf.Bytes(), DefaultChunkSize)
	if len(entries) != 1 || entries[0].Name != "bad\uFFFDname" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestBuildOrderAndValidation(t *testing.T) {
	img := BytesPayload("ignored", []byte("PNG"))
	data, table := buildBytes(t, []byte("exe"), Layout{
		Config: []byte("cfg"),
		Image:  &img,
		Index:  true,
		Meta:   []byte("meta"),
		Files:  []Payload{BytesPayload("b", []byte("2")), BytesPayload("a", []byte("1"))},
	})

	var names []string
	for _, e := range table {
		names = append(names, e.Name)
	}
	want := []string{ConfigName, ImageName, IndexName, MetaName, "a", "b"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("order = %q, want %q", names, want)
	}

	c := openBytes(t, data)
	if err := c.ValidateLayout(); err != nil {
		t.Errorf("ValidateLayout() error = %v", err)
	}
	end, err := c.ConfigEnd()
	if err != nil {
		t.Fatal(err)
	}
	if end != table[1].End() {
		t.Errorf("ConfigEnd() = %d, want %d", end, table[1].End())
	}
	if c.BaseEnd() != 3 {
		t.Errorf("BaseEnd() = %d, want 3", c.BaseEnd())
	}
	cfg, err := c.Config()
	if err != nil || string(cfg) != "cfg" {
		t.Errorf("Config() = %q, %v", cfg, err)
	}

	t.Run("duplicate names", func(t *testing.T) {
		_, err := Build(&bytes.Buffer{}, nil, 0, Layout{Files: []Payload{
			BytesPayload("x", nil), BytesPayload("x", []byte("1")),
		}})
		if !errors.Is(err, ErrDuplicateName) {
			t.Errorf("err = %v, want ErrDuplicateName", err)
		}
	})

	t.Run("reserved file name", func(t *testing.T) {
		_, err := Build(&bytes.Buffer{}, nil, 0, Layout{Files: []Payload{BytesPayload(MetaName, nil)}})
		if !errors.Is(err, ErrReservedName) {
			t.Errorf("err = %v, want ErrReservedName", err)
		}
	})
}

func TestValidateLayoutFailures(t *testing.T) {
	build := func(names ...string) *Container {
		var buf bytes.Buffer
		buf.WriteString("base")
		for _, n := range names {
			if _, err := WriteEntry(&buf, n, 1, bytes.NewReader([]byte("x"))); err != nil {
				t.Fatal(err)
			}
		}
		return openBytes(t, buf.Bytes())
	}

	tests := []struct {
		name  string
		names []string
	}{
		{"no entries", nil},
		{"config not first", []string{"file", ConfigName}},
		{"image not second", []string{ConfigName, "file", ImageName}},
		{"two configs", []string{ConfigName, ConfigName}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := build(tt.names...)
			if err := c.ValidateLayout(); !errors.Is(err, ErrLayout) {
				t.Errorf("ValidateLayout() = %v, want ErrLayout", err)
			}
			if _, err := c.ConfigEnd(); !errors.Is(err, ErrLayout) {
				t.Errorf("ConfigEnd() = %v, want ErrLayout", err)
			}
		})
	}

	if end, err := build(ConfigName, "file").ConfigEnd(); err != nil || end != 4+HeaderLen(ConfigName)+1 {
		t.Errorf("ConfigEnd() without image = %d, %v", end, err)
	}
}

func TestIndex(t *testing.T) {
	data, table := buildBytes(t, bytes.Repeat([]byte{0x90}, 37), Layout{
		Config: []byte("cfg"),
		Index:  true,
		Meta:   []byte("m"),
		Files: []Payload{
			BytesPayload("one", []byte("1")),
			BytesPayload("two", []byte("22")),
		},
	})
	c := openBytes(t, data)

	layout, rows, err := ReadIndex(c)
	if err != nil {
		t.Fatalf("ReadIndex() error = %v", err)
	}
	idx, _ := c.Find(IndexName)
	wantLayout := IndexLayout{BaseEnd: 37, ConfigLen: 3, IndexLen: uint32(idx.Size), MetaLen: 1}
	if layout != wantLayout {
		t.Errorf("layout = %+v, want %+v", layout, wantLayout)
	}
	wantRows := []IndexRow{
		{Name: "one", Size: 1, Offset: uint32(table[3].Offset - 37)},
		{Name: "two", Size: 2, Offset: uint32(table[4].Offset - 37)},
	}
	if !reflect.DeepEqual(rows, wantRows) {
		t.Errorf("rows = %+v, want %+v", rows, wantRows)
	}
	if err := VerifyIndex(c); err != nil {
		t.Errorf("VerifyIndex() error = %v", err)
	}

	t.Run("no index", func(t *testing.T) {
		plain, _ := buildBytes(t, nil, Layout{Config: []byte("c")})
		if _, _, err := ReadIndex(openBytes(t, plain)); !errors.Is(err, ErrNoIndex) {
			t.Errorf("err = %v, want ErrNoIndex", err)
		}
	})

	t.Run("stale index", func(t *testing.T) {
		bad := bytes.Clone(data)
		// grow the recorded size of "two"
		row := bytes.Index(bad[idx.Offset:idx.End()], []byte("two"))
		bad[idx.Offset+int64(row)+3+3]++
		if err := VerifyIndex(openBytes(t, bad)); !errors.Is(err, ErrIndexMismatch) {
			t.Errorf("err = %v, want ErrIndexMismatch", err)
		}
	})
}

func TestUnmark(t *testing.T) {
	data, _ := buildBytes(t, []byte("exe"), Layout{
		Config: []byte("cfg"),
		Index:  true,
		Files:  []Payload{BytesPayload("f", []byte("data"))},
	})
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Unmark(path); err != nil {
		t.Fatalf("Unmark() error = %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(data) {
		t.Fatalf("Unmark changed the length: %d -> %d", len(data), len(after))
	}

	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	layout, rows, err := ReadIndex(c)
	if err != nil {
		t.Fatal(err)
	}
	if layout.Marked() {
		t.Errorf("layout still marked: %+v", layout)
	}
	if len(rows) != 1 || rows[0].Name != "f" {
		t.Errorf("rows = %+v", rows)
	}
	if err := VerifyIndex(c); err != nil {
		t.Errorf("VerifyIndex() after unmark = %v", err)
	}

	idx, _ := c.Find(IndexName)
	diff := 0
	for i := range data {
		if data[i] != after[i] {
			diff++
			if int64(i) < idx.Offset+4 || int64(i) >= idx.Offset+layoutRecordLen {
				t.Errorf("byte %d outside the layout record changed", i)
			}
		}
	}
	if diff == 0 {
		t.Error("Unmark changed nothing")
	}

	t.Run("without index", func(t *testing.T) {
		plain, _ := buildBytes(t, nil, Layout{Config: []byte("c")})
		p := filepath.Join(t.TempDir(), "plain")
		if err := os.WriteFile(p, plain, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := Unmark(p); !errors.Is(err, ErrNoIndex) {
			t.Errorf("err = %v, want ErrNoIndex", err)
		}
	})
}

func TestReplaceBase(t *testing.T) {
	files := []Payload{
		BytesPayload("lib.so", bytes.Repeat([]byte("L"), 300)),
		BytesPayload("readme", []byte("hi")),
	}
	data, _ := buildBytes(t, []byte("old-base"), Layout{Config: []byte("cfg"), Index: true, Files: files})
	c := openBytes(t, data)

	newBase := bytes.Repeat([]byte("NEW"), 1000)
	var out bytes.Buffer
	table, err := ReplaceBase(&out, c, bytes.NewReader(newBase), int64(len(newBase)))
	if err != nil {
		t.Fatalf("ReplaceBase() error = %v", err)
	}

	r := openBytes(t, out.Bytes())
	if !reflect.DeepEqual(r.Entries(), table) {
		t.Errorf("scanned %+v, returned %+v", r.Entries(), table)
	}
	if !bytes.Equal(out.Bytes()[:r.BaseEnd()], newBase) {
		t.Error("base not replaced")
	}
	for _, e := range c.Entries() {
		if e.Name == IndexName {
			continue
		}
		ne, ok := r.Find(e.Name)
		if !ok {
			t.Fatalf("entry %q lost", e.Name)
		}
		oldContent, _ := c.Bytes(e)
		newContent, _ := r.Bytes(ne)
		if !bytes.Equal(oldContent, newContent) {
			t.Errorf("content of %q changed", e.Name)
		}
	}
	if err := VerifyIndex(r); err != nil {
		t.Errorf("VerifyIndex() after replace = %v", err)
	}

	var stripped bytes.Buffer
	if err := WriteBase(&stripped, r); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stripped.Bytes(), newBase) {
		t.Error("WriteBase() did not return the bare base")
	}
}

func TestAppend(t *testing.T) {
	data, _ := buildBytes(t, []byte("exe"), Layout{Config: []byte("cfg"), Files: []Payload{BytesPayload("a", []byte("1"))}})
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}

	added, err := Append(path, []Payload{BytesPayload("z", []byte("last")), BytesPayload("m", Sentinel())})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(added) != 2 || added[0].RawOffset != int64(len(data)) {
		t.Fatalf("added = %+v", added)
	}

	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	entries := c.Entries()
	c.Close()
	if len(entries) != 4 || entries[2].Name != "z" || entries[3].Name != "m" {
		t.Fatalf("entries after append = %+v", entries)
	}

	t.Run("duplicate", func(t *testing.T) {
		if _, err := Append(path, []Payload{BytesPayload("a", nil)}); !errors.Is(err, ErrDuplicateName) {
			t.Errorf("err = %v, want ErrDuplicateName", err)
		}
	})

	t.Run("short payload", func(t *testing.T) {
		before, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		short := Payload{
			Name: "short",
			Size: 100000,
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(make([]byte, 50000))), nil
			},
		}
		if _, err := Append(path, []Payload{short}); err == nil {
			t.Fatal("Append() accepted a payload shorter than its size")
		}
		after, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(before, after) {
			t.Fatalf("container changed: %d bytes before, %d after", len(before), len(after))
		}
		c, err := Open(path)
		if err != nil {
			t.Fatalf("Open() after failed append: %v", err)
		}
		c.Close()
		if _, err := Append(path, []Payload{BytesPayload("retry", []byte("ok"))}); err != nil {
			t.Errorf("Append() after failed append: %v", err)
		}
	})

	t.Run("trailing data", func(t *testing.T) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
		if err != nil {
			t.Fatal(err)
		}
		f.Write([]byte("junk"))
		f.Close()
		if _, err := Append(path, []Payload{BytesPayload("new", nil)}); !errors.Is(err, ErrTrailingData) {
			t.Errorf("err = %v, want ErrTrailingData", err)
		}
	})

	t.Run("bare base", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "bare")
		if err := os.WriteFile(p, []byte("just a binary"), 0o755); err != nil {
			t.Fatal(err)
		}
		added, err := Append(p, []Payload{BytesPayload("f", []byte("x"))})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if added[0].RawOffset != 13 {
			t.Errorf("RawOffset = %d, want 13", added[0].RawOffset)
		}
	})
}

func TestExtractAll(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("base")
	for _, e := range []struct{ name, body string }{
		{ConfigName, "cfg"},
		{"bin/tool", "tool"},
		{"../escape.txt", "nope"},
		{MetaName, "meta"},
	} {
		if _, err := WriteEntry(&buf, e.name, int64(len(e.body)), bytes.NewReader([]byte(e.body))); err != nil {
			t.Fatal(err)
		}
	}
	c := openBytes(t, buf.Bytes())

	dir := t.TempDir()
	written, err := ExtractAll(c, dir)
	if err != nil {
		t.Fatalf("ExtractAll() error = %v", err)
	}
	if len(written) != 2 {
		t.Fatalf("written = %v, want 2 files", written)
	}

	got, err := os.ReadFile(filepath.Join(dir, "bin", "tool"))
	if err != nil || string(got) != "tool" {
		t.Errorf("bin/tool = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Errorf("sanitised entry not written inside dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); !os.IsNotExist(err) {
		t.Errorf("entry escaped the destination: %v", err)
	}
}

func TestExtractAllCollidingNames(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("base")
	for _, e := range []struct{ name, body string }{
		{"../b", "first"},
		{"b", "second"},
	} {
		if _, err := WriteEntry(&buf, e.name, int64(len(e.body)), bytes.NewReader([]byte(e.body))); err != nil {
			t.Fatal(err)
		}
	}
	c := openBytes(t, buf.Bytes())

	dir := t.TempDir()
	written, err := ExtractAll(c, dir)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("ExtractAll() error = %v, want ErrDuplicateName", err)
	}
	if len(written) != 1 {
		t.Errorf("written = %v, want only the first entry", written)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "b")); string(got) != "first" {
		t.Errorf("b = %q, want the first entry untouched", got)
	}
}

func TestOpenFileMapped(t *testing.T) {
	data, _ := buildBytes(t, []byte("exe"), Layout{Config: []byte("cfg"), Files: []Payload{BytesPayload("f", []byte("body"))}})
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if f.Len() != int64(len(data)) {
		t.Errorf("Len() = %d, want %d", f.Len(), len(data))
	}
	if _, err := f.Slice(f.Len()-1, 2); err == nil {
		t.Error("Slice() past the end succeeded")
	}
	s, err := f.Slice(0, 3)
	if err != nil || string(s) != "exe" {
		t.Errorf("Slice(0,3) = %q, %v", s, err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(empty)
	if err != nil {
		t.Fatalf("Open(empty) error = %v", err)
	}
	if len(c.Entries()) != 0 || c.BaseEnd() != 0 {
		t.Errorf("empty file has entries: %+v", c.Entries())
	}
	c.Close()
}

func TestSelf(t *testing.T) {
	// The test binary may hold stray markers, so only the sharing is checked.
	c, err := Self()
	again, againErr := Self()
	if c != again || err != againErr {
		t.Errorf("Self() = %p, %v then %p, %v", c, err, again, againErr)
	}
}
