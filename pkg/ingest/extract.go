package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// normalizeText makes raw bytes segmentable: strip the UTF-8 BOM, fold line
// endings to \n, drop NULs that some converters leave behind.
func normalizeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\x00", "")
}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Manifest struct {
		Items []struct {
			ID        string `xml:"id,attr"`
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Refs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// extractEPUB flattens an EPUB to plain text in spine order, so the chapter
// heuristics see the same document a TXT import would. Falls back to every
// (x)html entry in name order when the package metadata is broken.
func extractEPUB(file string) (string, error) {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	docs := spineDocuments(entries)
	if len(docs) == 0 {
		for name := range entries {
			if isMarkupName(name) {
				docs = append(docs, name)
			}
		}
		sort.Strings(docs)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("epub has no text documents")
	}

	var b strings.Builder
	for _, name := range docs {
		f, ok := entries[name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", name, err)
		}
		text, err := htmlToText(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", name, err)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return normalizeText([]byte(b.String())), nil
}

// spineDocuments resolves container.xml -> OPF -> spine to the reading-order
// document paths. Any missing piece yields nil and the caller falls back.
func spineDocuments(entries map[string]*zip.File) []string {
	var container epubContainer
	if !readXML(entries, "META-INF/container.xml", &container) || len(container.Rootfiles) == 0 {
		return nil
	}
	opfPath := container.Rootfiles[0].FullPath
	var pkg epubPackage
	if !readXML(entries, opfPath, &pkg) {
		return nil
	}
	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		if strings.Contains(item.MediaType, "html") {
			hrefByID[item.ID] = item.Href
		}
	}
	base := path.Dir(opfPath)
	var docs []string
	for _, ref := range pkg.Spine.Refs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		p := href
		if base != "." {
			p = path.Join(base, href)
		}
		docs = append(docs, p)
	}
	return docs
}

func readXML(entries map[string]*zip.File, name string, out any) bool {
	f, ok := entries[name]
	if !ok {
		return false
	}
	rc, err := f.Open()
	if err != nil {
		return false
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(out) == nil
}

func isMarkupName(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".xhtml", ".html", ".htm":
		return true
	}
	return false
}

// block elements end a line; everything else flows. Heading detection
// downstream depends on these newlines.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true,
}

func htmlToText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "br" {
				b.WriteString("\n")
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(doc)
	return b.String(), nil
}

// extractPDF concatenates page text. Pages the parser cannot decode are
// skipped rather than failing the whole import.
func extractPDF(file string) (string, error) {
	f, r, err := pdf.Open(file)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("pdf has no extractable text")
	}
	return normalizeText([]byte(b.String())), nil
}
