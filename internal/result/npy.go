package result

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"cutout/internal/fsutil"
)

var npyMagic = []byte("\x93NUMPY")

// decodeHint caps the records pre-allocated from a header's shape.
const decodeHint = 1024

// Descr returns the numpy dtype description of one record.
func (s Schema) Descr() string {
	if !s.Match {
		return "'<f4'"
	}
	fields := []string{"('objID', '<u8')"}
	if s.HasClass {
		fields = append(fields, fmt.Sprintf("('class', '|S%d')", ClassLen))
	}
	if s.HasZ {
		fields = append(fields, "('z', '<f8')")
	}
	fields = append(fields, fmt.Sprintf("('cutout', '<f4', (%d, %d, %d))", len(s.Bands), s.Size, s.Size))
	return "[" + strings.Join(fields, ", ") + "]"
}

// Shape returns the array shape for n records.
func (s Schema) Shape(n int) string {
	if !s.Match {
		return fmt.Sprintf("(%d, %d, %d, %d)", n, len(s.Bands), s.Size, s.Size)
	}
	return fmt.Sprintf("(%d,)", n)
}

func header(s Schema, n int) []byte {
	dict := fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': %s, }", s.Descr(), s.Shape(n))
	// magic(6) + version(2) + length(2) + dict + padding + '\n' is a
	// multiple of 64.
	total := 10 + len(dict) + 1
	pad := (64 - total%64) % 64
	dict += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(dict)))
	buf.WriteString(dict)
	return buf.Bytes()
}

// Encode writes r as a version 1.0 .npy array.
func Encode(w io.Writer, s Schema, r *Records) error {
	if err := r.check(s); err != nil {
		return err
	}
	if _, err := w.Write(header(s, r.N)); err != nil {
		return err
	}
	if !s.Match {
		return binary.Write(w, binary.LittleEndian, r.Data)
	}

	n := s.CutoutLen()
	var class [ClassLen]byte
	for i := 0; i < r.N; i++ {
		if err := binary.Write(w, binary.LittleEndian, r.IDs[i]); err != nil {
			return err
		}
		if s.HasClass {
			class = [ClassLen]byte{}
			copy(class[:], r.Classes[i])
			if _, err := w.Write(class[:]); err != nil {
				return err
			}
		}
		if s.HasZ {
			if err := binary.Write(w, binary.LittleEndian, r.Zs[i]); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, r.Data[i*n:(i+1)*n]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes r to path through a temporary file and rename, so a
// reader never sees a partial array.
func WriteFile(path string, s Schema, r *Records) error {
	return Error.Wrap(fsutil.WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, s, r)
	}))
}

var (
	descrRE = regexp.MustCompile(`'descr':\s*(\[.*\]|'[^']*')`)
	shapeRE = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
	orderRE = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
)

// Decode reads an array written by Encode. The file must match s.
func Decode(rd io.Reader, s Schema) (*Records, error) {
	br := bufio.NewReader(rd)
	pre := make([]byte, 8)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, Error.New("npy preamble: %v", err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return nil, Error.New("not an npy file")
	}
	var hlen int
	switch pre[6] {
	case 1:
		var v uint16
		if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
			return nil, Error.Wrap(err)
		}
		hlen = int(v)
	case 2, 3:
		var v uint32
		if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
			return nil, Error.Wrap(err)
		}
		hlen = int(v)
	default:
		return nil, Error.New("unsupported npy version %d.%d", pre[6], pre[7])
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, Error.New("npy header: %v", err)
	}

	dict := string(hdr)
	descr := descrRE.FindStringSubmatch(dict)
	shape := shapeRE.FindStringSubmatch(dict)
	order := orderRE.FindStringSubmatch(dict)
	if descr == nil || shape == nil || order == nil {
		return nil, Error.New("malformed npy header %q", strings.TrimSpace(dict))
	}
	if order[1] != "False" {
		return nil, Error.New("fortran order arrays are not supported")
	}
	if descr[1] != s.Descr() {
		return nil, Error.New("dtype %s does not match %s", descr[1], s.Descr())
	}
	dims, err := parseShape(shape[1])
	if err != nil {
		return nil, err
	}
	if dims[0] < 0 {
		return nil, Error.New("negative record count %d", dims[0])
	}
	want := strings.ReplaceAll(strings.ReplaceAll(s.Shape(dims[0]), " ", ""), ",)", ")")
	got := "(" + joinInts(dims) + ")"
	if want != got {
		return nil, Error.New("shape %s does not match %s", got, want)
	}

	// The header's record count is not trusted for allocation; a short file
	// fails on read instead.
	r := &Records{N: dims[0]}
	n := s.CutoutLen()
	hint := min(r.N, decodeHint)
	r.Data = make([]float32, 0, hint*n)
	if s.Match {
		r.IDs = make([]uint64, 0, hint)
	}
	if s.HasClass {
		r.Classes = make([]string, 0, hint)
	}
	if s.HasZ {
		r.Zs = make([]float64, 0, hint)
	}

	cut := make([]float32, n)
	var (
		id    uint64
		z     float64
		class [ClassLen]byte
	)
	for i := 0; i < r.N; i++ {
		if s.Match {
			if err := binary.Read(br, binary.LittleEndian, &id); err != nil {
				return nil, Error.New("record %d: %v", i, err)
			}
			r.IDs = append(r.IDs, id)
		}
		if s.HasClass {
			if _, err := io.ReadFull(br, class[:]); err != nil {
				return nil, Error.New("record %d: %v", i, err)
			}
			r.Classes = append(r.Classes, string(bytes.TrimRight(class[:], "\x00")))
		}
		if s.HasZ {
			if err := binary.Read(br, binary.LittleEndian, &z); err != nil {
				return nil, Error.New("record %d: %v", i, err)
			}
			r.Zs = append(r.Zs, z)
		}
		if err := binary.Read(br, binary.LittleEndian, cut); err != nil {
			return nil, Error.New("record %d: %v", i, err)
		}
		r.Data = append(r.Data, cut...)
	}
	return r, nil
}

// ReadFile reads the array at path.
func ReadFile(path string, s Schema) (*Records, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer f.Close()
	r, err := Decode(f, s)
	if err != nil {
		return nil, Error.New("%s: %v", path, err)
	}
	return r, nil
}

func parseShape(s string) ([]int, error) {
	var dims []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, Error.New("bad shape %q", s)
		}
		dims = append(dims, v)
	}
	if len(dims) == 0 {
		return nil, Error.New("empty shape")
	}
	return dims, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
