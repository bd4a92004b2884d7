// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"runtime"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/traverse"
	"github.com/zeebo/blake3"
)

const imageVersion = 1

// fileImage is the persisted form of a file: a gob-encoded header
// and variable sections, followed by the blake3 digest of the
// encoding.
type fileImage struct {
	Version  int
	Meta     Meta
	Sections []section
}

// section holds the data of one variable. Compressed sections are
// zstd streams of the (possibly shuffled) data.
type section struct {
	Zstd     bool
	Shuffled bool
	Len      int
	Data     []byte
}

func encodeImage(meta Meta, data [][]byte) ([]byte, error) {
	img := fileImage{
		Version:  imageVersion,
		Meta:     meta,
		Sections: make([]section, len(data)),
	}
	err := traverse.Limit(runtime.NumCPU()).Each(len(data), func(i int) (err error) {
		img.Sections[i], err = encodeSection(meta.Vars[i], data[i])
		return
	})
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(img); err != nil {
		return nil, errors.E(errors.Invalid, "backend: encode image", err)
	}
	sum := blake3.Sum256(b.Bytes())
	b.Write(sum[:])
	return b.Bytes(), nil
}

func decodeImage(p []byte) (Meta, [][]byte, error) {
	if len(p) < blake3Size {
		return Meta{}, nil, errors.E(errors.Integrity, fmt.Sprintf("backend: image of %d bytes is truncated", len(p)))
	}
	body, digest := p[:len(p)-blake3Size], p[len(p)-blake3Size:]
	if sum := blake3.Sum256(body); !bytes.Equal(sum[:], digest) {
		return Meta{}, nil, errors.E(errors.Integrity,
			fmt.Sprintf("backend: computed digest %x but expected digest %x", sum[:], digest))
	}
	var img fileImage
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&img); err != nil {
		return Meta{}, nil, errors.E(errors.Integrity, "backend: decode image", err)
	}
	if img.Version != imageVersion {
		return Meta{}, nil, errors.E(errors.NotSupported, fmt.Sprintf("backend: image version %d", img.Version))
	}
	if len(img.Sections) != len(img.Meta.Vars) {
		return Meta{}, nil, errors.E(errors.Integrity,
			fmt.Sprintf("backend: %d sections for %d variables", len(img.Sections), len(img.Meta.Vars)))
	}
	data := make([][]byte, len(img.Sections))
	err := traverse.Limit(runtime.NumCPU()).Each(len(data), func(i int) (err error) {
		data[i], err = decodeSection(img.Meta.Vars[i], img.Sections[i])
		return
	})
	if err != nil {
		return Meta{}, nil, err
	}
	return img.Meta, data, nil
}

const blake3Size = 32

func encodeSection(v Var, p []byte) (section, error) {
	sec := section{Len: len(p)}
	if v.Deflate == 0 || len(p) == 0 {
		sec.Data = p
		return sec, nil
	}
	if v.Shuffle {
		p = shuffle(p, v.Type.Size())
		sec.Shuffled = true
	}
	var b bytes.Buffer
	zw, err := zstd.NewWriter(&b)
	if err != nil {
		return sec, err
	}
	if _, err = zw.Write(p); err != nil {
		fileio.CloseAndReport(zw, &err)
		return sec, errors.E(err, fmt.Sprintf("backend: compress variable %s", v.Name))
	}
	if err := zw.Close(); err != nil {
		return sec, errors.E(err, fmt.Sprintf("backend: compress variable %s", v.Name))
	}
	sec.Zstd = true
	sec.Data = b.Bytes()
	return sec, nil
}

func decodeSection(v Var, sec section) (p []byte, err error) {
	p = sec.Data
	if sec.Zstd {
		zr, err := zstd.NewReader(bytes.NewReader(sec.Data))
		if err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("backend: decompress variable %s", v.Name), err)
		}
		p, err = ioutil.ReadAll(zr)
		fileio.CloseAndReport(zr, &err)
		if err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("backend: decompress variable %s", v.Name), err)
		}
	}
	if sec.Shuffled {
		p = unshuffle(p, v.Type.Size())
	}
	if len(p) != sec.Len {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("backend: variable %s: decoded %d bytes, expected %d", v.Name, len(p), sec.Len))
	}
	return p, nil
}

// shuffle groups byte j of every element together: the output holds
// all first bytes, then all second bytes, and so on.
func shuffle(p []byte, size int) []byte {
	if size <= 1 {
		return p
	}
	n := len(p) / size
	out := make([]byte, len(p))
	for i := 0; i < n; i++ {
		for j := 0; j < size; j++ {
			out[j*n+i] = p[i*size+j]
		}
	}
	return out
}

// unshuffle reverses shuffle.
func unshuffle(p []byte, size int) []byte {
	if size <= 1 {
		return p
	}
	n := len(p) / size
	out := make([]byte, len(p))
	for i := 0; i < n; i++ {
		for j := 0; j < size; j++ {
			out[i*size+j] = p[j*n+i]
		}
	}
	return out
}
