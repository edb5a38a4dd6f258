package ffmpeg

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipStreamer writes mesh bundles straight to a writer; bundles are derived
// from the manifest at request time and never persisted.
type ZipStreamer struct{}

func NewZipStreamer() *ZipStreamer {
	return &ZipStreamer{}
}

func (z *ZipStreamer) WriteZip(ctx context.Context, filePaths []string, w io.Writer) error {
	zipWriter := zip.NewWriter(w)

	for _, fp := range filePaths {
		select {
		case <-ctx.Done():
			zipWriter.Close()
			return ctx.Err()
		default:
		}

		if err := addFileToZip(zipWriter, fp); err != nil {
			zipWriter.Close()
			return fmt.Errorf("add %s to zip: %w", fp, err)
		}
	}

	return zipWriter.Close()
}

func addFileToZip(zw *zip.Writer, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = filepath.Base(filename)
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(writer, file)
	return err
}
