package portal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/drive/drivetest"
	"github.com/fruitsalade/docportal/internal/events"
	"github.com/fruitsalade/docportal/internal/folders"
)

// fileServer serves download URLs and counts fetches.
type fileServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newFileServer(t *testing.T, contentType string, body string) *fileServer {
	t.Helper()
	fs := &fileServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if r.URL.Path == "/gone" {
			http.Error(w, "expired", http.StatusForbidden)
			return
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func category(t *testing.T, tag string) folders.Category {
	t.Helper()
	c, ok := mustTable(t).Get(tag)
	require.True(t, ok)
	return c
}

func mustTable(t *testing.T) *folders.Table {
	t.Helper()
	table, err := folders.NewTable(folders.DefaultCategories())
	require.NoError(t, err)
	return table
}

func newService(d drive.Drive, pub Publisher) *Service {
	return NewService(d, folders.NewNamingResolver(d), pub, Config{DownloadHeaderTimeout: 5 * time.Second})
}

func TestFormatListing(t *testing.T) {
	assert.Equal(t, []ClientFileRecord{}, FormatListing(nil))

	data, err := json.Marshal(FormatListing([]drive.Item{}))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	mod := time.Date(2024, 5, 6, 7, 8, 9, 0, time.FixedZone("EEST", 3*3600))
	got := FormatListing([]drive.Item{
		{Name: "b.pdf", LastModified: &mod},
		{Name: "sub", IsFolder: true},
		{Name: "a.txt"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, ClientFileRecord{Name: "b.pdf", Type: "file", LastModifiedDateTime: "2024-05-06T04:08:09Z"}, got[0])
	assert.Equal(t, ClientFileRecord{Name: "sub", Type: "folder", LastModifiedDateTime: "Unknown"}, got[1])
	assert.Equal(t, "a.txt", got[2].Name)
	assert.Equal(t, UnknownTime, got[2].LastModifiedDateTime)
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		mode, name, want string
	}{
		{Inline, "report.pdf", "inline; filename*=UTF-8''report.pdf"},
		{Attachment, "my file.xlsx", "attachment; filename*=UTF-8''my%20file.xlsx"},
		{Attachment, "ΦΜΥ 2023.txt", "attachment; filename*=UTF-8''%CE%A6%CE%9C%CE%A5%202023.txt"},
		{Attachment, `a"b;c.txt`, "attachment; filename*=UTF-8''a%22b%3Bc.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContentDisposition(tt.mode, tt.name))
	}
}

func TestNegotiate(t *testing.T) {
	ct, mode := negotiate("REPORT.PDF", "application/octet-stream")
	assert.Equal(t, "application/pdf", ct)
	assert.Equal(t, Inline, mode)

	ct, mode = negotiate("sheet.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ct)
	assert.Equal(t, Attachment, mode)

	ct, mode = negotiate("noext", "")
	assert.Equal(t, "application/octet-stream", ct)
	assert.Equal(t, Attachment, mode)
}

func TestScenarioIdentityReport(t *testing.T) {
	files := newFileServer(t, "binary/octet-stream", "%PDF-1.7 body")

	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "ABC123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	d.AddFile(afm.ID, "report.pdf", nil, nil, files.URL+"/report.pdf")

	identity := category(t, folders.Identity)
	resolved, err := folders.NewNamingResolver(d).Resolve(context.Background(), "123456789", identity, false)
	require.NoError(t, err)
	assert.Equal(t, afm.ID, resolved.ID)

	s := newService(d, nil)
	fs, err := s.StreamFile(context.Background(), "123456789", identity, "report.pdf")
	require.NoError(t, err)
	defer fs.Body.Close()

	assert.Equal(t, "application/pdf", fs.ContentType)
	assert.Equal(t, "inline; filename*=UTF-8''report.pdf", fs.Disposition)
	body, err := io.ReadAll(fs.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(body))
}

func TestStreamFileNonPDFUsesUpstreamType(t *testing.T) {
	files := newFileServer(t, "image/png", "png-bytes")

	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	general := d.AddFolder(user.ID, "00 ΑΡΧΕΙΟ ΠΕΛΑΤΗ")
	d.AddFile(general.ID, "Σκαναρισμα.png", nil, nil, files.URL+"/x")

	fs, err := newService(d, nil).StreamFile(context.Background(), "123456789", category(t, folders.General), "Σκαναρισμα.png")
	require.NoError(t, err)
	defer fs.Body.Close()

	assert.Equal(t, "image/png", fs.ContentType)
	assert.Equal(t, "attachment; filename*=UTF-8''%CE%A3%CE%BA%CE%B1%CE%BD%CE%B1%CF%81%CE%B9%CF%83%CE%BC%CE%B1.png", fs.Disposition)
	assert.Equal(t, int64(len("png-bytes")), fs.Size)
}

func TestStreamFileMissingDoesNotFetch(t *testing.T) {
	files := newFileServer(t, "application/pdf", "x")

	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	d.AddFile(afm.ID, "other.pdf", nil, nil, files.URL+"/other.pdf")
	d.AddFolder(afm.ID, "report.pdf") // folders are never streamed

	_, err := newService(d, nil).StreamFile(context.Background(), "123456789", category(t, folders.Identity), "report.pdf")
	var nf *drive.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "file", nf.Kind)
	assert.Equal(t, int32(0), files.hits.Load())
	assert.Equal(t, 0, d.Calls("get_item"))
}

func TestStreamFileMissingFolderChain(t *testing.T) {
	d := drivetest.NewMemory()
	_, err := newService(d, nil).StreamFile(context.Background(), "123456789", category(t, folders.Identity), "report.pdf")
	assert.True(t, errors.Is(err, drive.ErrNotFound))
}

func TestStreamFileFetchesURLWhenListingLacksIt(t *testing.T) {
	files := newFileServer(t, "text/plain", "hello")

	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	f := d.AddFile(afm.ID, "notes.txt", nil, nil, files.URL+"/notes.txt")
	d.ClearListingURL(f.ID)

	fs, err := newService(d, nil).StreamFile(context.Background(), "123456789", category(t, folders.Identity), "notes.txt")
	require.NoError(t, err)
	fs.Body.Close()
	assert.Equal(t, 1, d.Calls("get_item"))
	assert.Equal(t, "text/plain", fs.ContentType)
}

func TestStreamFileWithoutURL(t *testing.T) {
	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	d.AddFile(afm.ID, "notes.txt", nil, nil, "")

	_, err := newService(d, nil).StreamFile(context.Background(), "123456789", category(t, folders.Identity), "notes.txt")
	var apiErr *drive.RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "download", apiErr.Op)
}

func TestStreamFileUpstreamError(t *testing.T) {
	files := newFileServer(t, "", "")

	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	d.AddFile(afm.ID, "report.pdf", nil, nil, files.URL+"/gone")

	_, err := newService(d, nil).StreamFile(context.Background(), "123456789", category(t, folders.Identity), "report.pdf")
	var apiErr *drive.RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode())
}

func TestStreamFileCancelledContext(t *testing.T) {
	files := newFileServer(t, "application/pdf", "x")

	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	d.AddFile(afm.ID, "report.pdf", nil, nil, files.URL+"/report.pdf")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newService(d, nil).StreamFile(ctx, "123456789", category(t, folders.Identity), "report.pdf")
	assert.Error(t, err)
}

func TestListUsesCachedFolderAndRecoversWhenStale(t *testing.T) {
	d := drivetest.NewMemory()
	user := d.AddFolder(d.RootID(), "123456789")
	afm := d.AddFolder(user.ID, "ΑΦΜ")
	d.AddFile(afm.ID, "a.pdf", nil, nil, "")

	cached := folders.NewCachedResolver(folders.NewNamingResolver(d), time.Minute)
	s := NewService(d, cached, nil, Config{})
	identity := category(t, folders.Identity)

	recs, err := s.List(context.Background(), "123456789", identity)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a.pdf", recs[0].Name)

	// A cached folder id the drive no longer knows is dropped and re-resolved.
	s = NewService(d, &chainResolver{first: staleResolver{}, then: cached}, nil, Config{})
	recs, err = s.List(context.Background(), "123456789", identity)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// staleResolver always answers with a deleted folder.
type staleResolver struct{}

func (staleResolver) Resolve(context.Context, string, folders.Category, bool) (drive.Item, error) {
	return drive.Item{ID: "deleted", IsFolder: true}, nil
}

// chainResolver serves from first until invalidated, then from then.
type chainResolver struct {
	first, then folders.Resolver
	dropped     bool
}

func (c *chainResolver) Resolve(ctx context.Context, vat string, cat folders.Category, create bool) (drive.Item, error) {
	if c.dropped {
		return c.then.Resolve(ctx, vat, cat, create)
	}
	return c.first.Resolve(ctx, vat, cat, create)
}

func (c *chainResolver) Invalidate(string, folders.Category) { c.dropped = true }

func TestUploadFilesCreatesChainAndPublishes(t *testing.T) {
	d := drivetest.NewMemory()
	rec := &recorder{}
	s := newService(d, rec)
	general := category(t, folders.General)

	stored, err := s.UploadFiles(context.Background(), "123456789", general, []UploadFile{
		{Name: "a.pdf", Content: []byte("%PDF")},
		{Name: "a.pdf", Content: []byte("%PDF again")},
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.ElementsMatch(t, []string{"a.pdf", "a (1).pdf"}, []string{stored[0].Name, stored[1].Name})

	folder, err := folders.NewNamingResolver(d).Resolve(context.Background(), "123456789", general, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.pdf", "a (1).pdf"}, d.Names(folder.ID))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	assert.Equal(t, events.EventUpload, rec.events[0].Type)
	assert.Equal(t, "123456789", rec.events[0].VAT)
}

func TestUploadFilesPartialFailure(t *testing.T) {
	d := drivetest.NewMemory()
	d.PutErrors["second.txt"] = errors.New("connection reset by peer")
	s := newService(d, nil)
	general := category(t, folders.General)

	_, err := s.UploadFiles(context.Background(), "123456789", general, []UploadFile{
		{Name: "first.txt", Content: []byte("1")},
		{Name: "second.txt", Content: []byte("2")},
		{Name: "third.txt", Content: []byte("3")},
	})
	var apiErr *drive.RemoteAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "second.txt", apiErr.Name)
	assert.Contains(t, err.Error(), "second.txt")

	// No rollback: the siblings stay written.
	folder, rerr := folders.NewNamingResolver(d).Resolve(context.Background(), "123456789", general, false)
	require.NoError(t, rerr)
	assert.ElementsMatch(t, []string{"first.txt", "third.txt"}, d.Names(folder.ID))
	assert.Equal(t, 3, d.Calls("put_content"))
}

func TestUploadFilesResolvesAgainWhenFolderIsStale(t *testing.T) {
	d := drivetest.NewMemory()
	general := category(t, folders.General)
	chain := &chainResolver{first: staleResolver{}, then: folders.NewNamingResolver(d)}
	s := NewService(d, chain, nil, Config{})

	stored, err := s.UploadFiles(context.Background(), "123456789", general, []UploadFile{
		{Name: "a.txt", Content: []byte("a")},
		{Name: "b.txt", Content: []byte("b")},
	})
	require.NoError(t, err)
	assert.True(t, chain.dropped)
	assert.Equal(t, "a.txt", stored[0].Name)
	assert.Equal(t, "b.txt", stored[1].Name)
	assert.Equal(t, 4, d.Calls("put_content"))

	folder, err := folders.NewNamingResolver(d).Resolve(context.Background(), "123456789", general, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, d.Names(folder.ID))
}

func TestUploadFilesStaleRetriesOnlyAffectedFiles(t *testing.T) {
	d := drivetest.NewMemory()
	general := category(t, folders.General)
	naming := folders.NewNamingResolver(d)
	folder, err := naming.Resolve(context.Background(), "123456789", general, true)
	require.NoError(t, err)

	d.PutErrors["gone.txt"] = &drive.NotFoundError{Kind: "item", Name: "gone.txt"}
	chain := &chainResolver{first: naming, then: naming}
	s := NewService(d, chain, nil, Config{})

	_, err = s.UploadFiles(context.Background(), "123456789", general, []UploadFile{
		{Name: "kept.txt", Content: []byte("k")},
		{Name: "gone.txt", Content: []byte("g")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone.txt")
	assert.True(t, chain.dropped)
	// kept.txt once, gone.txt twice.
	assert.Equal(t, 3, d.Calls("put_content"))
	assert.Equal(t, []string{"kept.txt"}, d.Names(folder.ID))
}

func TestUploadFilesStaleWithoutCacheFails(t *testing.T) {
	d := drivetest.NewMemory()
	s := NewService(d, staleResolver{}, nil, Config{})

	_, err := s.UploadFiles(context.Background(), "123456789", category(t, folders.General), []UploadFile{
		{Name: "a.txt", Content: []byte("a")},
	})
	assert.True(t, errors.Is(err, drive.ErrNotFound))
	assert.Equal(t, 1, d.Calls("put_content"))
}

func TestUploadFilesEmptyIsNoop(t *testing.T) {
	d := drivetest.NewMemory()
	stored, err := newService(d, nil).UploadFiles(context.Background(), "123456789", category(t, folders.General), nil)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 0, d.Calls("list"))
}
