// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in NumPy's `.npy` and `.npz` file formats.
//
// It is how arrays are exchanged with the Python side of a SimNets pipeline: inputs, offsets, templates
// and weights are usually exported with `numpy.save` / `numpy.savez`, and kernel outputs written back.
//
// Only plain numeric dtypes are supported (bool, integers, float16, float32 and float64), in either
// byte order and either memory order. Tensors are always written little-endian in C (row-major) order.
package numpy

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/simnets/pkg/core/dtypes"
	"github.com/gomlx/simnets/pkg/core/shapes"
	"github.com/gomlx/simnets/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const magic = "\x93NUMPY"

// header holds the parsed contents of the `.npy` header dictionary.
type header struct {
	descr        string
	fortranOrder bool
	dims         []int
}

// bigEndian reports whether the array data is stored big-endian.
func (h header) bigEndian() bool { return strings.HasPrefix(h.descr, ">") }

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseHeader extracts the fields of the header dictionary, e.g.:
//
//	{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }
func parseHeader(text string) (h header, err error) {
	m := reDescr.FindStringSubmatch(text)
	if m == nil {
		return h, errors.Errorf("'descr' not found in .npy header %q", text)
	}
	h.descr = m[1]
	m = reFortran.FindStringSubmatch(text)
	if m == nil {
		return h, errors.Errorf("'fortran_order' not found in .npy header %q", text)
	}
	h.fortranOrder = m[1] == "True"
	m = reShape.FindStringSubmatch(text)
	if m == nil {
		return h, errors.Errorf("'shape' not found in .npy header %q", text)
	}
	h.dims = []int{}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma of 1-tuples, e.g. "(10,)".
			continue
		}
		dim, parseErr := strconv.Atoi(part)
		if parseErr != nil {
			return h, errors.Wrapf(parseErr, "invalid dimension %q in .npy header", part)
		}
		if dim <= 0 {
			return h, errors.Errorf("dimension %d in .npy header not supported: tensors can't be empty", dim)
		}
		h.dims = append(h.dims, dim)
	}
	return h, nil
}

// descrToDType converts a NumPy dtype description (e.g. "<f4") to a DType.
func descrToDType(descr string) (dtypes.DType, error) {
	kind := strings.TrimLeft(descr, "<>=|")
	switch kind {
	case "b1", "?":
		return dtypes.Bool, nil
	case "i1":
		return dtypes.Int8, nil
	case "u1":
		return dtypes.Uint8, nil
	case "i2":
		return dtypes.Int16, nil
	case "u2":
		return dtypes.Uint16, nil
	case "i4":
		return dtypes.Int32, nil
	case "u4":
		return dtypes.Uint32, nil
	case "i8":
		return dtypes.Int64, nil
	case "u8":
		return dtypes.Uint64, nil
	case "f2":
		return dtypes.Float16, nil
	case "f4":
		return dtypes.Float32, nil
	case "f8":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype %q", descr)
}

// dtypeToDescr converts a DType to its little-endian NumPy description.
func dtypeToDescr(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "|b1", nil
	case dtypes.Int8:
		return "|i1", nil
	case dtypes.Uint8:
		return "|u1", nil
	case dtypes.Int16:
		return "<i2", nil
	case dtypes.Uint16:
		return "<u2", nil
	case dtypes.Int32:
		return "<i4", nil
	case dtypes.Uint32:
		return "<u4", nil
	case dtypes.Int64:
		return "<i8", nil
	case dtypes.Uint64:
		return "<u8", nil
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	}
	return "", errors.Errorf("dtype %s can't be saved as .npy", dtype)
}

// readHeader reads the magic string, version and header dictionary.
func readHeader(r io.Reader) (header, error) {
	var preamble [8]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return header{}, errors.Wrap(err, "failed to read .npy preamble")
	}
	if string(preamble[:6]) != magic {
		return header{}, errors.Errorf("not a .npy file: invalid magic string %q", preamble[:6])
	}
	major, minor := preamble[6], preamble[7]
	var headerLen int
	switch major {
	case 1:
		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return header{}, errors.Wrap(err, "failed to read .npy header length")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes[:]))
	case 2, 3:
		// Version 3 only differs by using utf8 in the header, which our parser doesn't care about.
		var lenBytes [4]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return header{}, errors.Wrap(err, "failed to read .npy header length")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes[:]))
	default:
		return header{}, errors.Errorf("unsupported .npy version %d.%d", major, minor)
	}
	text := make([]byte, headerLen)
	if _, err := io.ReadFull(r, text); err != nil {
		return header{}, errors.Wrapf(err, "failed to read .npy header of %d bytes", headerLen)
	}
	h, err := parseHeader(string(text))
	if err != nil {
		return header{}, err
	}
	klog.V(2).Infof("numpy: read header version %d.%d: %+v", major, minor, h)
	return h, nil
}

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	t, err := FromNpyReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", filePath)
	}
	return t, nil
}

// FromNpyReader reads a .npy file from r and returns a tensors.Tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	dtype, err := descrToDType(h.descr)
	if err != nil {
		return nil, err
	}
	shape := shapes.Make(dtype, h.dims...)
	tensor := tensors.FromShape(shape)
	accessErr := tensor.MutableBytes(func(data []byte) {
		if !h.fortranOrder || shape.Rank() <= 1 {
			_, err = io.ReadFull(r, data)
		} else {
			fortranData := make([]byte, len(data))
			if _, err = io.ReadFull(r, fortranData); err == nil {
				fortranToC(dtype.Size(), shape, fortranData, data)
			}
		}
		if err != nil {
			err = errors.Wrapf(err, "failed to read tensor data of %d bytes", len(data))
			return
		}
		if h.bigEndian() {
			swapBytes(dtype.Size(), data)
		}
	})
	if accessErr != nil {
		return nil, accessErr
	}
	if err != nil {
		tensor.FinalizeAll()
		return nil, err
	}
	return tensor, nil
}

// fortranToC copies the column-major fortranData to the row-major cData.
func fortranToC(elementSize int, shape shapes.Shape, fortranData, cData []byte) {
	fortranStrides := make([]int, shape.Rank())
	stride := elementSize
	for axis, dim := range shape.Dimensions {
		fortranStrides[axis] = stride
		stride *= dim
	}
	cPos := 0
	for _, indices := range shape.Iter() {
		fPos := 0
		for axis, idx := range indices {
			fPos += idx * fortranStrides[axis]
		}
		copy(cData[cPos:cPos+elementSize], fortranData[fPos:fPos+elementSize])
		cPos += elementSize
	}
}

// swapBytes reverses the byte order of each element of data in place.
func swapBytes(elementSize int, data []byte) {
	if elementSize <= 1 {
		return
	}
	for start := 0; start+elementSize <= len(data); start += elementSize {
		element := data[start : start+elementSize]
		for i, j := 0, elementSize-1; i < j; i, j = i+1, j-1 {
			element[i], element[j] = element[j], element[i]
		}
	}
}

// ToNpyWriter serializes tensor to w in .npy format (version 1.0).
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	if err := tensor.CheckValid(); err != nil {
		return err
	}
	shape := tensor.Shape()
	descr, err := dtypeToDescr(shape.DType)
	if err != nil {
		return err
	}
	var dimsStr string
	switch shape.Rank() {
	case 0:
	case 1:
		dimsStr = fmt.Sprintf("%d,", shape.Dimensions[0])
	default:
		parts := make([]string, shape.Rank())
		for axis, dim := range shape.Dimensions {
			parts[axis] = strconv.Itoa(dim)
		}
		dimsStr = strings.Join(parts, ", ")
	}

	// The preamble (magic, version, header length: 10 bytes) plus the header, ending in a newline, must be
	// 64-byte aligned.
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, dimsStr)
	for (10+buf.Len()+1)%64 != 0 {
		buf.WriteByte(' ')
	}
	buf.WriteByte('\n')

	var preamble [10]byte
	copy(preamble[:], magic)
	preamble[6], preamble[7] = 1, 0
	binary.LittleEndian.PutUint16(preamble[8:], uint16(buf.Len()))
	if _, err := w.Write(preamble[:]); err != nil {
		return errors.Wrap(err, "failed to write .npy preamble")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write .npy header")
	}
	var writeErr error
	err = tensor.ConstBytes(func(data []byte) {
		if _, writeErr = w.Write(data); writeErr != nil {
			writeErr = errors.Wrapf(writeErr, "failed to write %d bytes of tensor data", len(data))
		}
	})
	if err != nil {
		return err
	}
	return writeErr
}

// ToNpyFile serializes tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	w := bufio.NewWriter(f)
	err = ToNpyWriter(tensor, w)
	if err == nil {
		err = errors.Wrapf(w.Flush(), "failed to write %q", filePath)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %q", filePath)
	}
	return err
}

// FromNpzFile reads a .npz file and returns a map of array names to tensors.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(f, info.Size())
}

// FromNpzReader reads a .npz archive (a zip file of .npy files) and returns a map of array names to tensors.
// Entries that are not .npy files are ignored.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open .npz archive")
	}
	results := make(map[string]*tensors.Tensor, len(zipReader.File))
	for _, entry := range zipReader.File {
		cleanPath := path.Clean(entry.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path %q in .npz archive", entry.Name)
		}
		if !strings.HasSuffix(cleanPath, ".npy") {
			klog.V(1).Infof("numpy: skipping non-array entry %q in .npz archive", entry.Name)
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q in .npz archive", entry.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading %q from .npz archive", entry.Name)
		}
		results[strings.TrimSuffix(cleanPath, ".npy")] = tensor
	}
	return results, nil
}

// ToNpzWriter serializes the named tensors to w as a .npz archive.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for name, tensor := range tensorsMap {
		entryWriter, err := zipWriter.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", name)
		}
		if err := ToNpyWriter(tensor, entryWriter); err != nil {
			return errors.WithMessagef(err, "while writing %q to .npz archive", name)
		}
	}
	return errors.Wrap(zipWriter.Close(), "failed to finish .npz archive")
}

// ToNpzFile serializes the named tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	err = ToNpzWriter(tensorsMap, f)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %q", filePath)
	}
	return err
}
