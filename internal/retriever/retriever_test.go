package retriever

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/andresuchdata/bipsync/internal/domain"
)

type fakeInfo struct {
	name string
	size int64
	dir  bool
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

type fakeSession struct {
	mu        sync.Mutex
	listing   []os.FileInfo
	files     map[string][]byte
	listErr   error
	openErr   map[string]error
	readers   map[string]io.ReadCloser
	removeErr map[string]error
	removed   []string
	closed    bool
}

func newFakeSession(files map[string]string, order ...string) *fakeSession {
	s := &fakeSession{files: map[string][]byte{}, openErr: map[string]error{}, readers: map[string]io.ReadCloser{}, removeErr: map[string]error{}}
	for _, name := range order {
		data := files[name]
		s.files["/REPORTS/"+name] = []byte(data)
		s.listing = append(s.listing, fakeInfo{name: name, size: int64(len(data))})
	}
	return s
}

func (s *fakeSession) ReadDir(context.Context, string) ([]os.FileInfo, error) {
	return s.listing, s.listErr
}

func (s *fakeSession) Open(p string) (io.ReadCloser, error) {
	if err := s.openErr[p]; err != nil {
		return nil, err
	}
	if r, ok := s.readers[p]; ok {
		return r, nil
	}
	data, ok := s.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeSession) Remove(p string) error {
	if err := s.removeErr[p]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, filepath.Base(p))
	return nil
}

// stalledReader blocks every Read until it is closed.
type stalledReader struct {
	once sync.Once
	done chan struct{}
}

func newStalledReader() *stalledReader {
	return &stalledReader{done: make(chan struct{})}
}

func (r *stalledReader) Read([]byte) (int, error) {
	<-r.done
	return 0, os.ErrClosed
}

func (r *stalledReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	err     error
	calls   int
	config  *ssh.ClientConfig
}

func (d *fakeDialer) Dial(_ context.Context, _ domain.SourceConfig, cc *ssh.ClientConfig) (Session, error) {
	d.calls++
	d.config = cc
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func testConfig(t *testing.T) domain.SourceConfig {
	t.Helper()
	return domain.SourceConfig{
		Name:       "aci",
		Hostname:   "sftp.example",
		Username:   "user",
		Password:   "pw",
		RemotePath: "/REPORTS",
		Extension:  ".csv",
		LocalPath:  t.TempDir(),
		MinRSABits: domain.DefaultMinRSABits,
	}
}

func writeKey(t *testing.T, block *pem.Block) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "id_key")
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(block), 0o600))
	return p
}

func rsaKeyFile(t *testing.T, bits int) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	return writeKey(t, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func ed25519KeyFile(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	require.NoError(t, err)
	return writeKey(t, block)
}

func TestFilterCandidates(t *testing.T) {
	entries := []os.FileInfo{
		fakeInfo{name: "a.csv"},
		fakeInfo{name: "b.txt"},
		fakeInfo{name: "archive.csv", dir: true},
		fakeInfo{name: "C.CSV"},
		fakeInfo{name: "c.csv"},
	}

	var names []string
	for _, e := range FilterCandidates(entries, ".csv") {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a.csv", "c.csv"}, names)

	assert.Len(t, FilterCandidates(entries, ""), 4)
}

func TestConnect_RejectsShortRSAKeyBeforeDial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Password = ""
	cfg.KeyPath = rsaKeyFile(t, 2048)

	dialer := &fakeDialer{session: newFakeSession(nil)}
	_, err := New(cfg, domain.TransferOptions{}, dialer, zerolog.Nop()).Connect(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	assert.Contains(t, err.Error(), "2048 bits")
	assert.Zero(t, dialer.calls)
}

func TestConnect_RSAThresholdIsConfigurable(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeyPath = rsaKeyFile(t, 3072)
	cfg.MinRSABits = 3072

	dialer := &fakeDialer{session: newFakeSession(nil)}
	conn, err := New(cfg, domain.TransferOptions{}, dialer, zerolog.Nop()).Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 1, dialer.calls)
}

func TestConnect_AcceptsEd25519(t *testing.T) {
	cfg := testConfig(t)
	cfg.Password = ""
	cfg.KeyPath = ed25519KeyFile(t, "")

	dialer := &fakeDialer{session: newFakeSession(nil)}
	conn, err := New(cfg, domain.TransferOptions{ConnectTimeout: 5 * time.Second}, dialer, zerolog.Nop()).Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Equal(t, "user", dialer.config.User)
	assert.Equal(t, 5*time.Second, dialer.config.Timeout)
	assert.True(t, dialer.session.closed)
}

func TestLoadSigner(t *testing.T) {
	t.Run("encrypted key uses passphrase", func(t *testing.T) {
		p := ed25519KeyFile(t, "s3cret")
		signer, err := LoadSigner(p, "s3cret", 0)
		require.NoError(t, err)
		assert.Equal(t, ssh.KeyAlgoED25519, signer.PublicKey().Type())
	})

	t.Run("encrypted key without passphrase", func(t *testing.T) {
		p := ed25519KeyFile(t, "s3cret")
		_, err := LoadSigner(p, "", 0)
		assert.ErrorContains(t, err, "encrypted")
	})

	t.Run("ecdsa is rejected", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		p := writeKey(t, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

		_, err = LoadSigner(p, "", 0)
		assert.ErrorContains(t, err, "unsupported key type")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSigner(filepath.Join(t.TempDir(), "nope"), "", 0)
		assert.Error(t, err)
	})
}

func TestAuthMethods_NoCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Password = ""

	_, err := AuthMethods(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestHostKeyCallback_MissingKnownHosts(t *testing.T) {
	cfg := testConfig(t)
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

	_, err := HostKeyCallback(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestConnect_MissingLocalPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.LocalPath = filepath.Join(cfg.LocalPath, "missing")

	dialer := &fakeDialer{}
	_, err := New(cfg, domain.TransferOptions{}, dialer, zerolog.Nop()).Connect(context.Background())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	assert.Zero(t, dialer.calls)
}

func TestConnect_DialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	_, err := New(testConfig(t), domain.TransferOptions{}, dialer, zerolog.Nop()).Connect(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConnection))

	var se *domain.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, domain.StageConnect, se.Stage)
	assert.Equal(t, "aci", se.Source)
}

func fetch(t *testing.T, cfg domain.SourceConfig, opts domain.TransferOptions, session *fakeSession) (domain.FetchSummary, error) {
	t.Helper()
	conn, err := New(cfg, opts, &fakeDialer{session: session}, zerolog.Nop()).Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	return conn.Fetch(context.Background())
}

func TestFetch_DownloadsMatchingFilesAndDeletesRemote(t *testing.T) {
	cfg := testConfig(t)
	session := newFakeSession(map[string]string{
		"a.csv": "id,qty\n1,2\n",
		"b.txt": "ignored",
		"c.csv": "id,qty\n3,4\n",
	}, "a.csv", "b.txt", "c.csv")

	summary, err := fetch(t, cfg, domain.TransferOptions{}, session)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Found)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 2, summary.Deleted)
	assert.False(t, summary.HasFailures())
	assert.Equal(t, []string{"a.csv", "c.csv"}, session.removed)

	data, err := os.ReadFile(filepath.Join(cfg.LocalPath, "a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,qty\n1,2\n", string(data))
	assert.NoFileExists(t, filepath.Join(cfg.LocalPath, "b.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.LocalPath, "a.csv"+partialSuffix))
}

func TestFetch_FailedDownloadKeepsRemoteFile(t *testing.T) {
	cfg := testConfig(t)
	session := newFakeSession(map[string]string{
		"a.csv": "1",
		"b.csv": "2",
		"c.csv": "3",
	}, "a.csv", "b.csv", "c.csv")
	session.openErr["/REPORTS/b.csv"] = errors.New("permission denied")
	session.removeErr["/REPORTS/c.csv"] = errors.New("read-only")

	summary, err := fetch(t, cfg, domain.TransferOptions{}, session)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Found)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 1, summary.FailedDownloads)
	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, 1, summary.FailedDeletions)
	assert.True(t, summary.HasFailures())

	downloaded := domain.Files(summary.Outcomes, domain.StageDownload)
	deleted := domain.Files(summary.Outcomes, domain.StageDelete)
	assert.Subset(t, downloaded, deleted)
	assert.NotContains(t, session.removed, "b.csv")

	for _, o := range summary.Outcomes {
		if !o.OK && o.Stage == domain.StageDownload {
			assert.True(t, errors.Is(o.Err, domain.ErrTransfer))
		}
		if !o.OK && o.Stage == domain.StageDelete {
			assert.True(t, errors.Is(o.Err, domain.ErrCleanup))
		}
	}
}

func TestFetch_SizeMismatchIsNotDeleted(t *testing.T) {
	cfg := testConfig(t)
	session := newFakeSession(map[string]string{"a.csv": "short"}, "a.csv")
	session.listing[0] = fakeInfo{name: "a.csv", size: 1024}

	summary, err := fetch(t, cfg, domain.TransferOptions{}, session)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedDownloads)
	assert.Empty(t, session.removed)
	assert.NoFileExists(t, filepath.Join(cfg.LocalPath, "a.csv"))
	assert.NoFileExists(t, filepath.Join(cfg.LocalPath, "a.csv"+partialSuffix))
}

func TestFetch_ListFailureIsFatal(t *testing.T) {
	session := newFakeSession(nil)
	session.listErr = errors.New("no such directory")

	_, err := fetch(t, testConfig(t), domain.TransferOptions{}, session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConnection))
}

func TestFetch_EmptyDirectory(t *testing.T) {
	summary, err := fetch(t, testConfig(t), domain.TransferOptions{}, newFakeSession(nil))
	require.NoError(t, err)
	assert.Zero(t, summary.Found)
	assert.Empty(t, summary.Outcomes)
}

func TestFetch_ParallelWorkers(t *testing.T) {
	cfg := testConfig(t)
	files := map[string]string{}
	var order []string
	for _, n := range []string{"1.csv", "2.csv", "3.csv", "4.csv", "5.csv", "6.csv"} {
		files[n] = "data-" + n
		order = append(order, n)
	}
	session := newFakeSession(files, order...)

	summary, err := fetch(t, cfg, domain.TransferOptions{FileWorkers: 3}, session)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Downloaded)
	assert.Equal(t, 6, summary.Deleted)

	// Outcomes keep listing order regardless of completion order.
	assert.Equal(t, order, domain.Files(summary.Outcomes, domain.StageDownload))

	removed := append([]string(nil), session.removed...)
	sort.Strings(removed)
	assert.Equal(t, order, removed)
}

func TestFetch_StalledDownloadTimesOut(t *testing.T) {
	cfg := testConfig(t)
	session := newFakeSession(map[string]string{"a.csv": "1", "b.csv": "22"}, "a.csv", "b.csv")
	session.readers["/REPORTS/a.csv"] = newStalledReader()

	start := time.Now()
	summary, err := fetch(t, cfg, domain.TransferOptions{OperationTimeout: 100 * time.Millisecond}, session)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 1, summary.FailedDownloads)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, []string{"b.csv"}, session.removed)
	assert.NoFileExists(t, filepath.Join(cfg.LocalPath, "a.csv"))
	assert.NoFileExists(t, filepath.Join(cfg.LocalPath, "a.csv"+partialSuffix))

	for _, o := range summary.Outcomes {
		if o.File == "a.csv" {
			assert.False(t, o.OK)
			assert.True(t, errors.Is(o.Err, domain.ErrTransfer))
			assert.True(t, errors.Is(o.Err, context.DeadlineExceeded))
		}
	}
}
