package router

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/consoled/internal/protocol"
)

var (
	ErrUploadDisabled = errors.New("router: uploads are disabled")
	ErrUploadPath     = errors.New("router: upload outside the upload directory")
	ErrUploadTooLarge = errors.New("router: upload too large")
)

// handleUpload reads the listed temp files off the reactor thread and
// answers with their contents. Any bad entry fails the whole request.
func (c *conn) handleUpload(msg *protocol.Message) {
	dir := c.rt.cfg.UploadDir
	if dir == "" {
		c.reply(msg, protocol.StatusBadRequest, ErrUploadDisabled.Error())
		return
	}
	var files []protocol.UploadFile
	if err := msg.DecodeJSONBody(&files); err != nil || len(files) == 0 {
		c.reply(msg, protocol.StatusBadRequest, "UPLOAD requires a list of files")
		return
	}

	rt, limit := c.rt, c.rt.cfg.UploadMax
	go func() {
		results, err := readUploads(dir, limit, files)
		rt.mailbox.Post(func() {
			if c.binding.Closed() {
				return
			}
			if err != nil {
				c.log.Warn().Err(err).Msg("upload rejected")
				c.reply(msg, protocol.StatusBadRequest, err.Error())
				return
			}
			resp := protocol.NewResponse(msg)
			if err := resp.SetJSONBody(results); err != nil {
				c.reply(msg, protocol.StatusHandlerException, err.Error())
				return
			}
			c.respond(resp)
		})
	}()
}

func readUploads(dir string, limit int64, files []protocol.UploadFile) ([]protocol.UploadResult, error) {
	out := make([]protocol.UploadResult, 0, len(files))
	for _, f := range files {
		content, err := readUpload(dir, limit, f.TmpFile)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.UploadResult{Filename: f.Filename, Name: f.Name, Content: content})
	}
	return out, nil
}

// readUpload reads a regular file inside dir. Symlinks in the directory
// part are resolved before the containment check.
func readUpload(dir string, limit int64, name string) ([]byte, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty tmpfile", ErrUploadPath)
	}
	base, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("router: upload dir: %w", err)
	}
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)
	parent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return nil, fmt.Errorf("router: upload %s: %w", name, err)
	}
	p = filepath.Join(parent, filepath.Base(p))
	if !within(base, p) {
		return nil, fmt.Errorf("%w: %s", ErrUploadPath, name)
	}
	st, err := os.Lstat(p)
	if err != nil {
		return nil, fmt.Errorf("router: upload %s: %w", name, err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrUploadPath, name)
	}
	if st.Size() > limit {
		return nil, fmt.Errorf("%w: %s has %d bytes, limit %d", ErrUploadTooLarge, name, st.Size(), limit)
	}
	fh, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("router: upload %s: %w", name, err)
	}
	defer fh.Close()
	// The file may grow between Lstat and Read.
	content, err := io.ReadAll(io.LimitReader(fh, limit+1))
	if err != nil {
		return nil, fmt.Errorf("router: upload %s: %w", name, err)
	}
	if int64(len(content)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrUploadTooLarge, name)
	}
	return content, nil
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
