package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"restorebot/internal/snapshot"
)

const dirTimeLayout = "20060102150405"

var ErrNotFound = errors.New("backup not found")

// Catalog indexes backup directories named <guildID>_<timestamp> under root.
type Catalog struct {
	root string
}

type Entry struct {
	Name       string
	Dir        string
	File       string
	Timestamp  string
	Time       time.Time
	ServerName string
	Stats      snapshot.Stats
}

func New(root string) *Catalog {
	return &Catalog{root: root}
}

func (c *Catalog) Root() string {
	return c.root
}

// NewDir creates a fresh backup directory for the guild.
func (c *Catalog) NewDir(guildID string, now time.Time) (string, error) {
	base := guildID + "_" + now.Format(dirTimeLayout)
	dir := filepath.Join(c.root, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = filepath.Join(c.root, base+"_"+strconv.Itoa(i))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// List returns the guild's readable backups, newest first. Directories
// without a decodable backup.json are skipped.
func (c *Catalog) List(guildID string) ([]Entry, error) {
	items, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, item := range items {
		if !item.IsDir() || !strings.HasPrefix(item.Name(), guildID+"_") {
			continue
		}
		dir := filepath.Join(c.root, item.Name())
		file := filepath.Join(dir, snapshot.FileName)
		snap, err := snapshot.Load(file)
		if err != nil {
			continue
		}
		created, err := snap.CreatedAt()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:       item.Name(),
			Dir:        dir,
			File:       file,
			Timestamp:  snap.BackupInfo.Timestamp,
			Time:       created,
			ServerName: snap.ServerInfo.Name,
			Stats:      snap.Stats(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.After(entries[j].Time)
		}
		return entries[i].Name > entries[j].Name
	})
	return entries, nil
}

func (c *Catalog) Find(guildID, name string) (Entry, error) {
	entries, err := c.List(guildID)
	if err != nil {
		return Entry{}, err
	}
	for _, entry := range entries {
		if entry.Name == name {
			return entry, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (c *Catalog) Latest(guildID string) (Entry, error) {
	entries, err := c.List(guildID)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNotFound
	}
	return entries[0], nil
}
