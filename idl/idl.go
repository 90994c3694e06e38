// Package idl - parsing of Image Description List annotation files.
//
// An IDL file carries one annotation per line: a double-quoted image path,
// an optional colon, a comma-separated list of corner-coordinate rectangles,
// and a semicolon terminator:
//
//	"images/00001000_640x480.png": (331.0, 183.0, 389.0, 254.0), (107.0, 188.0, 148.0, 242.0);
//	"images/00001200_640x480.png";
//
// Rectangles with mirrored corners are normalized so x1 <= x2 and y1 <= y2.
package idl

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Rect is an axis-aligned rectangle in corner form.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Annotation is one image together with its ground-truth rectangles.
type Annotation struct {
	ImagePath string
	Rects     []Rect
}

// ParseFile reads and parses an IDL file.
func ParseFile(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening idl %s", path)
	}
	defer f.Close()
	annos, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing idl %s", path)
	}
	return annos, nil
}

// Parse reads annotations from r, one per non-empty line.
func Parse(r io.Reader) ([]Annotation, error) {
	var annos []Annotation
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		anno, err := parseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		annos = append(annos, anno)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading idl")
	}
	return annos, nil
}

func parseLine(line string) (Annotation, error) {
	var anno Annotation
	if !strings.HasPrefix(line, `"`) {
		return anno, errors.New("annotation must start with a quoted image path")
	}
	end := strings.Index(line[1:], `"`)
	if end < 0 {
		return anno, errors.New("unterminated image path")
	}
	anno.ImagePath = line[1 : 1+end]
	if anno.ImagePath == "" {
		return anno, errors.New("empty image path")
	}
	rest := strings.TrimSpace(line[2+end:])

	if !strings.HasSuffix(rest, ";") {
		return anno, errors.New("annotation must end with ';'")
	}
	rest = strings.TrimSpace(strings.TrimSuffix(rest, ";"))
	if rest == "" {
		return anno, nil
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))

	for rest != "" {
		if !strings.HasPrefix(rest, "(") {
			return anno, errors.Errorf("expected '(' at %q", rest)
		}
		closing := strings.Index(rest, ")")
		if closing < 0 {
			return anno, errors.New("unterminated rectangle")
		}
		fields := strings.Split(rest[1:closing], ",")
		if len(fields) != 4 {
			return anno, errors.Errorf("rectangle needs 4 coordinates, got %d", len(fields))
		}
		var vals [4]float32
		for i, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return anno, errors.Wrapf(err, "coordinate %d", i)
			}
			vals[i] = float32(v)
		}
		if vals[0] > vals[2] {
			vals[0], vals[2] = vals[2], vals[0]
		}
		if vals[1] > vals[3] {
			vals[1], vals[3] = vals[3], vals[1]
		}
		anno.Rects = append(anno.Rects, Rect{X1: vals[0], Y1: vals[1], X2: vals[2], Y2: vals[3]})

		rest = strings.TrimSpace(rest[closing+1:])
		if rest == "" {
			break
		}
		if !strings.HasPrefix(rest, ",") {
			return anno, errors.Errorf("expected ',' between rectangles at %q", rest)
		}
		rest = strings.TrimSpace(rest[1:])
	}
	return anno, nil
}
