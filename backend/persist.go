// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// A persister stores encoded file images by path.
type persister interface {
	// Load returns the image stored at path. It returns an error of
	// kind errors.NotExist if there is none.
	Load(ctx context.Context, path string) ([]byte, error)
	// Save stores the image p at path, provided that the image
	// currently stored there still carries stamp prev. Otherwise it
	// fails with an error of kind errors.Precondition and stores
	// nothing.
	Save(ctx context.Context, path string, prev stamp, p []byte) error
	// Stamp returns the stamp of the image stored at path.
	Stamp(ctx context.Context, path string) (stamp, error)
}

// A stamp identifies a persisted image by its trailing digest. The
// zero stamp stands for no image.
type stamp struct {
	exists bool
	digest [blake3Size]byte
}

func stampOf(p []byte) stamp {
	s := stamp{exists: true}
	if len(p) >= blake3Size {
		copy(s.digest[:], p[len(p)-blake3Size:])
	}
	return s
}

// checkStamp fails unless the image stored at path, with stamp cur,
// is still the one that an image with stamp prev was derived from.
func checkStamp(path string, prev, cur stamp) error {
	if prev == cur {
		return nil
	}
	if !cur.exists {
		return errors.E(errors.Precondition, fmt.Sprintf("save %s: image was removed since it was loaded", path))
	}
	return errors.E(errors.Precondition,
		fmt.Sprintf("save %s: image was replaced since it was loaded (digest %x)", path, cur.digest[:]))
}

// memoryPersister keeps images in memory.
type memoryPersister struct {
	mu     sync.Mutex
	images map[string][]byte
}

func (m *memoryPersister) Load(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.images[path]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("open %s", path))
	}
	return p, nil
}

func (m *memoryPersister) Save(ctx context.Context, path string, prev stamp, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur stamp
	if q, ok := m.images[path]; ok {
		cur = stampOf(q)
	}
	if err := checkStamp(path, prev, cur); err != nil {
		return err
	}
	m.images[path] = p
	return nil
}

func (m *memoryPersister) Stamp(ctx context.Context, path string) (stamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.images[path]
	if !ok {
		return stamp{}, nil
	}
	return stampOf(p), nil
}

// filePersister stores images using grailbio files; thus images can
// be stored at any URL supported by package file (e.g., S3). The
// image for path is stored at "{Prefix}{path}".
type filePersister struct {
	Prefix string
}

func (f *filePersister) url(path string) string { return f.Prefix + path }

func (f *filePersister) Load(ctx context.Context, path string) (p []byte, err error) {
	fp, err := file.Open(ctx, f.url(path))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := fp.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return ioutil.ReadAll(fp.Reader(ctx))
}

// fileSaveMu serializes the check and write of file saves within
// the process.
var fileSaveMu sync.Mutex

func (f *filePersister) Save(ctx context.Context, path string, prev stamp, p []byte) error {
	fileSaveMu.Lock()
	defer fileSaveMu.Unlock()
	cur, err := f.Stamp(ctx, path)
	if err != nil {
		return err
	}
	if err := checkStamp(path, prev, cur); err != nil {
		return err
	}
	fp, err := file.Create(ctx, f.url(path))
	if err != nil {
		return err
	}
	if _, err := fp.Writer(ctx).Write(p); err != nil {
		fp.Discard(ctx)
		return err
	}
	return fp.Close(ctx)
}


// Stamp reads the digest that trails the image stored at path.
func (f *filePersister) Stamp(ctx context.Context, path string) (s stamp, err error) {
	info, err := file.Stat(ctx, f.url(path))
	if errors.Is(errors.NotExist, err) {
		return stamp{}, nil
	} else if err != nil {
		return stamp{}, err
	}
	fp, err := file.Open(ctx, f.url(path))
	if err != nil {
		return stamp{}, err
	}
	defer func() {
		if cerr := fp.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	s.exists = true
	if info.Size() < blake3Size {
		return s, nil
	}
	r := fp.Reader(ctx)
	if _, err = r.Seek(info.Size()-blake3Size, io.SeekStart); err != nil {
		return stamp{}, err
	}
	_, err = io.ReadFull(r, s.digest[:])
	return s, err
}
