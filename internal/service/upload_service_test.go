package service

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

type storageStub struct {
	uploaded bytes.Buffer
	name     string
}

func (s *storageStub) Upload(_ context.Context, name string, reader io.Reader) (string, error) {
	s.uploaded.Reset()
	s.name = name
	if _, err := s.uploaded.ReadFrom(reader); err != nil {
		return "", err
	}
	return "https://cdn.carebridge.test/" + name, nil
}

type mediaRepoStub struct {
	asset models.MediaAsset
}

func (m *mediaRepoStub) Create(_ context.Context, asset *models.MediaAsset) error {
	asset.ID = 1
	m.asset = *asset
	return nil
}

func (m *mediaRepoStub) FindOwned(context.Context, uint, string) (models.MediaAsset, error) {
	return m.asset, nil
}

// Smallest valid PNG header; mimetype only needs the magic bytes.
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestUploadServiceRejectsOversizedFile(t *testing.T) {
	svc := NewUploadService(&storageStub{}, &mediaRepoStub{}, 1, zerolog.Nop())

	file := buildFileHeader(t, "huge.png", bytes.Repeat([]byte("a"), 2*1024*1024))
	_, err := svc.Upload(context.Background(), file, "patient-1")
	require.ErrorIs(t, err, ErrUploadTooLarge)
}

func TestUploadServiceRejectsDisallowedType(t *testing.T) {
	svc := NewUploadService(&storageStub{}, &mediaRepoStub{}, 5, zerolog.Nop())

	file := buildFileHeader(t, "notes.txt", []byte("plain text, not an image"))
	_, err := svc.Upload(context.Background(), file, "patient-1")
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)
}

func TestUploadServiceRequiresFileAndOwner(t *testing.T) {
	svc := NewUploadService(&storageStub{}, &mediaRepoStub{}, 5, zerolog.Nop())

	_, err := svc.Upload(context.Background(), nil, "patient-1")
	require.Error(t, err)

	file := buildFileHeader(t, "rash.png", pngMagic)
	_, err = svc.Upload(context.Background(), file, "  ")
	require.Error(t, err)
}

func TestUploadServiceCommitsImageAsset(t *testing.T) {
	storage := &storageStub{}
	repo := &mediaRepoStub{}
	svc := NewUploadService(storage, repo, 5, zerolog.Nop())

	file := buildFileHeader(t, "My Rash Photo!.PNG", pngMagic)
	resp, err := svc.Upload(context.Background(), file, "patient-1")
	require.NoError(t, err)

	require.Equal(t, models.MediaKindImage, resp.Kind)
	require.Equal(t, "image/png", resp.ContentType)
	require.Equal(t, int64(len(pngMagic)), resp.SizeBytes)
	require.Len(t, resp.Checksum, 64)
	require.Equal(t, "my-rash-photo.png", storage.name, "stored name is sanitized")
	require.Equal(t, pngMagic, storage.uploaded.Bytes())

	require.Equal(t, "patient-1", repo.asset.OwnerID)
	require.Equal(t, resp.URL, repo.asset.URL)
}

func buildFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content) + 1024))
	require.NoError(t, err)
	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}
