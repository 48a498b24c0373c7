package ingest

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

// maxMemberBytes bounds a single extracted member. Spool members are a
// few kilobytes; anything beyond this is a damaged or hostile archive.
const maxMemberBytes = 256 << 20

const configFilename = "uploads_config.txt"

type memberKind int

const (
	memberOther memberKind = iota
	memberSpots
	memberNoise
	memberConfig
)

// memberMeta carries the identity a member inherits from its position in
// the archive tree: .../spots.d/<SITE>_<GRID>/<RECEIVER>/<BAND>/<file>.
type memberMeta struct {
	kind     memberKind
	site     string
	grid     string
	receiver string
	bandName string
	band     int16
	file     string
}

// classifyMember decides what an extracted member is from its
// slash-separated relative path alone.
func classifyMember(name string) memberMeta {
	parts := strings.Split(name, "/")
	file := parts[len(parts)-1]
	if file == configFilename {
		return memberMeta{kind: memberConfig, file: file}
	}
	switch {
	case strings.HasSuffix(file, "_spots.txt"):
		if meta, ok := treeMeta(parts, "spots.d", "spots"); ok {
			meta.kind = memberSpots
			return meta
		}
	case strings.HasSuffix(file, "_noise.txt"):
		if meta, ok := treeMeta(parts, "noise.d", "noise"); ok {
			meta.kind = memberNoise
			return meta
		}
	}
	return memberMeta{kind: memberOther, file: file}
}

// treeMeta extracts site, receiver and band from the path segments below
// the spots.d or noise.d index directory. Paths too shallow to carry all
// three are not spool members.
func treeMeta(parts []string, indexNames ...string) (memberMeta, bool) {
	idx := -1
	for i, p := range parts {
		for _, n := range indexNames {
			if p == n {
				idx = i
			}
		}
	}
	if idx < 0 || len(parts)-idx < 5 {
		return memberMeta{}, false
	}
	band, err := wspr.BandMetersFromString(parts[idx+3])
	if err != nil {
		return memberMeta{}, false
	}
	site, grid := decodeSiteDir(parts[idx+1])
	return memberMeta{
		site:     site,
		grid:     grid,
		receiver: parts[idx+2],
		bandName: parts[idx+3],
		band:     band,
		file:     parts[len(parts)-1],
	}, true
}

// extractArchive unpacks a spool archive into workDir. The compression is
// sniffed from the leading bytes because clients have shipped bzip2, gzip
// and plain tar all under the .tbz name.
func extractArchive(archivePath, workDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(3)
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading %s: %w", filepath.Base(archivePath), err)
	}
	var r io.Reader = br
	switch {
	case len(head) >= 3 && head[0] == 'B' && head[1] == 'Z' && head[2] == 'h':
		r = bzip2.NewReader(br)
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("reading %s: %w", filepath.Base(archivePath), err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", filepath.Base(archivePath), err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := sanitizeMemberPath(hdr.Name)
		if rel == "" {
			continue
		}
		dst := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := writeMember(dst, tr); err != nil {
			return err
		}
	}
}

func writeMember(dst string, r io.Reader) error {
	w, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, io.LimitReader(r, maxMemberBytes)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// sanitizeMemberPath rejects member names that would escape the work
// directory. Absolute paths and .. traversal come only from hostile or
// corrupt archives.
func sanitizeMemberPath(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(name) {
		return ""
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return filepath.FromSlash(clean)
}

// archiveRecords is everything parsed out of one extracted archive.
type archiveRecords struct {
	spots   []wspr.ExtendedSpot
	noise   []wspr.Noise
	defects int
}

// parseExtracted walks an extracted archive tree and parses every spots
// and noise member it recognizes. Unparsable lines and members are
// counted; only I/O failures fail the archive.
func parseExtracted(workDir, tarFile string, logger zerolog.Logger) (archiveRecords, error) {
	version := readClientVersion(workDir)
	defects := &defectLog{logger: logger}
	var rec archiveRecords

	err := filepath.WalkDir(workDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, p)
		if err != nil {
			return err
		}
		meta := classifyMember(filepath.ToSlash(rel))
		switch meta.kind {
		case memberSpots:
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			rec.spots = append(rec.spots, parseSpotLines(f, meta, version, tarFile, defects)...)
			f.Close()
		case memberNoise:
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			rec.noise = append(rec.noise, parseNoiseLines(string(data), meta, tarFile, defects)...)
		}
		return nil
	})
	rec.defects = defects.count
	return rec, err
}

// readClientVersion finds the first uploads_config.txt in the tree and
// returns its CLIENT_VERSION value, or "" when absent.
func readClientVersion(workDir string) string {
	var version string
	filepath.WalkDir(workDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != configFilename {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if v, ok := strings.CutPrefix(line, "CLIENT_VERSION="); ok {
				version = strings.Trim(v, `"'`)
				return fs.SkipAll
			}
		}
		return nil
	})
	return version
}
