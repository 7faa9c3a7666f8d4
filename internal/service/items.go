package service

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
)

// maxItemSize bounds the decompressed size of a result item.
const maxItemSize = 512 << 20

var refPattern = regexp.MustCompile(`\b[0-9A-Z]{14}\b`)

// itemInfo is what a result item tells about itself.
type itemInfo struct {
	Fixmes int
	Refs   []string
}

// inspectItem decompresses and parses a gzipped OSM document, counting
// fixme tags and collecting the references found in comments.
func inspectItem(content []byte) (itemInfo, error) {
	if mt := mimetype.Detect(content); !mt.Is("application/gzip") {
		return itemInfo{}, fmt.Errorf("content is %s, not gzip", mt.String())
	}
	zr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return itemInfo{}, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	return parseItem(io.LimitReader(zr, maxItemSize))
}

func parseItem(r io.Reader) (itemInfo, error) {
	var info itemInfo
	dec := xml.NewDecoder(r)
	root := ""
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return itemInfo{}, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if root != "" {
					return itemInfo{}, fmt.Errorf("multiple root elements")
				}
				root = t.Name.Local
			}
			depth++
			if t.Name.Local == "tag" && attr(t, "k") == "fixme" {
				info.Fixmes++
			}
		case xml.EndElement:
			depth--
		case xml.Comment:
			info.Refs = append(info.Refs, refPattern.FindAllString(string(t), -1)...)
		}
	}
	if root != "osm" {
		return itemInfo{}, fmt.Errorf("root element is %q, want osm", root)
	}
	return info, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// itemID is the registry key of a result file: its name without suffix.
func itemID(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, itemSuffix)
	return strings.TrimSuffix(base, ".gz")
}

// scanItems builds the review registry from the result items under tasks.
func scanItems(dir *artifact.Store, split string) (domain.Registry, error) {
	files, err := dir.Find(path.Join(resultsDir(split)...), itemSuffix)
	if err != nil {
		return nil, err
	}
	reg := domain.Registry{}
	for _, rel := range files {
		content, err := dir.ReadFile(rel)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		info, err := inspectItem(content)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", rel, err)
		}
		if info.Fixmes == 0 {
			continue
		}
		id := itemID(rel)
		reg[id] = domain.FixmeRecord{ItemID: id, Path: rel, FixmeCount: info.Fixmes}
	}
	return reg, nil
}
