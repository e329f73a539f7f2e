package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	FileName        = "backup.json"
	TimestampLayout = "2006-01-02 15:04"
	DefaultRoleName = "@everyone"
)

type ChannelType int

const (
	ChannelTypeUnknown  ChannelType = -1
	ChannelTypeText     ChannelType = 0
	ChannelTypeVoice    ChannelType = 2
	ChannelTypeCategory ChannelType = 4
	ChannelTypeNews     ChannelType = 5
	ChannelTypeStage    ChannelType = 13
	ChannelTypeForum    ChannelType = 15
)

var channelTypeNames = map[string]ChannelType{
	"text":         ChannelTypeText,
	"voice":        ChannelTypeVoice,
	"category":     ChannelTypeCategory,
	"news":         ChannelTypeNews,
	"announcement": ChannelTypeNews,
	"stage_voice":  ChannelTypeStage,
	"stage":        ChannelTypeStage,
	"forum":        ChannelTypeForum,
}

// UnmarshalJSON accepts the integer form, digit strings, and the older named
// form ("text", "voice", "ChannelType.category", ...).
func (t *ChannelType) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = ChannelTypeUnknown
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*t = ChannelType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("channel type: %w", err)
	}
	*t = ParseChannelType(s)
	return nil
}

func ParseChannelType(s string) ChannelType {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "channeltype.")
	if n, err := strconv.Atoi(s); err == nil {
		return ChannelType(n)
	}
	if t, ok := channelTypeNames[s]; ok {
		return t
	}
	return ChannelTypeUnknown
}

// ID holds a snowflake that older files stored as a JSON number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type Snapshot struct {
	BackupInfo  BackupInfo `json:"backup_info"`
	ServerInfo  ServerInfo `json:"server_info"`
	Roles       []Role     `json:"roles_data"`
	Channels    []Channel  `json:"channels_data"`
	Emojis      []Emoji    `json:"emojis_data"`
	Stickers    []Sticker  `json:"stickers_data"`
	BannedUsers Bans       `json:"banned_users"`
}

type BackupInfo struct {
	Timestamp string `json:"timestamp"`
	Creator   string `json:"creator"`
}

type ServerInfo struct {
	Name                 string   `json:"name"`
	IsCommunity          bool     `json:"is_community"`
	RulesChannel         *Channel `json:"rules_channel"`
	PublicUpdatesChannel *Channel `json:"public_updates_channel"`
	SystemChannel        *Channel `json:"system_channel"`
}

type Role struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Permissions int64  `json:"permissions"`
	Colour      int    `json:"colour"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Mentionable bool   `json:"mentionable"`
	Position    int    `json:"position"`
}

// EffectiveColor returns whichever of the two colour fields was written.
func (r Role) EffectiveColor() int {
	if r.Colour != 0 {
		return r.Colour
	}
	return r.Color
}

func (r Role) IsDefault() bool {
	return r.Name == DefaultRoleName
}

const (
	OverwriteRole   = "role"
	OverwriteMember = "member"
)

type Overwrite struct {
	ID    ID     `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`
	Name  string `json:"name"`
	Allow int64  `json:"allow"`
	Deny  int64  `json:"deny"`
}

type Channel struct {
	ID                         ID          `json:"id,omitempty"`
	Name                       string      `json:"name"`
	Type                       ChannelType `json:"type"`
	Position                   int         `json:"position"`
	Overwrites                 []Overwrite `json:"permission_overwrites"`
	Children                   []ID        `json:"channels,omitempty"`
	ParentID                   ID          `json:"parent_id,omitempty"`
	Category                   string      `json:"category,omitempty"`
	NSFW                       bool        `json:"nsfw,omitempty"`
	Topic                      string      `json:"topic,omitempty"`
	SlowmodeDelay              int         `json:"slowmode_delay,omitempty"`
	DefaultAutoArchiveDuration int         `json:"default_auto_archive_duration,omitempty"`
	Bitrate                    int         `json:"bitrate,omitempty"`
	UserLimit                  int         `json:"user_limit,omitempty"`
	RTCRegion                  string      `json:"rtc_region,omitempty"`
}

// UnmarshalJSON also reads the legacy "overwrites" key used by the embedded
// system channel descriptors.
func (c *Channel) UnmarshalJSON(data []byte) error {
	type plain Channel
	var aux struct {
		plain
		Legacy []Overwrite `json:"overwrites"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Channel(aux.plain)
	if len(c.Overwrites) == 0 && len(aux.Legacy) > 0 {
		c.Overwrites = aux.Legacy
	}
	return nil
}

func (c Channel) IsCategory() bool {
	return c.Type == ChannelTypeCategory
}

type Emoji struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	URL       string `json:"url"`
	Animated  bool   `json:"animated"`
	Managed   bool   `json:"managed"`
	Available bool   `json:"available"`
	Roles     []ID   `json:"roles"`
}

type Sticker struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Emoji       string `json:"emoji"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	FormatType  string `json:"format_type"`
	Available   bool   `json:"available"`
}

func (s *Sticker) UnmarshalJSON(data []byte) error {
	type plain Sticker
	var aux struct {
		plain
		FormatType json.RawMessage `json:"format_type"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Sticker(aux.plain)
	s.FormatType = ""
	if len(aux.FormatType) > 0 && !bytes.Equal(aux.FormatType, []byte("null")) {
		var str string
		if err := json.Unmarshal(aux.FormatType, &str); err == nil {
			s.FormatType = str
		} else {
			s.FormatType = strings.Trim(string(aux.FormatType), `"`)
		}
	}
	return nil
}

type Ban struct {
	ID     ID     `json:"id"`
	Reason string `json:"reason"`
}

// Bans decodes either the list form or the older {"<id>": "<reason>"} form.
type Bans []Ban

func (b *Bans) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	var list []Ban
	if err := json.Unmarshal(data, &list); err == nil {
		*b = list
		return nil
	}
	var legacy map[string]*string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("banned_users: %w", err)
	}
	ids := make([]string, 0, len(legacy))
	for id := range legacy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Ban, 0, len(ids))
	for _, id := range ids {
		ban := Ban{ID: ID(id)}
		if reason := legacy[id]; reason != nil {
			ban.Reason = *reason
		}
		out = append(out, ban)
	}
	*b = out
	return nil
}

type Stats struct {
	Roles      int
	Categories int
	Channels   int
	Emojis     int
	Stickers   int
	Bans       int
}

func (s *Snapshot) Stats() Stats {
	stats := Stats{
		Roles:    len(s.Roles),
		Emojis:   len(s.Emojis),
		Stickers: len(s.Stickers),
		Bans:     len(s.BannedUsers),
	}
	for _, ch := range s.Channels {
		if ch.IsCategory() {
			stats.Categories++
		} else {
			stats.Channels++
		}
	}
	return stats
}

// SortChannels puts categories before leaf channels, each group ordered by
// position, and sorts every category's child list.
func (s *Snapshot) SortChannels() {
	sort.SliceStable(s.Channels, func(i, j int) bool {
		a, b := s.Channels[i], s.Channels[j]
		if a.IsCategory() != b.IsCategory() {
			return a.IsCategory()
		}
		return a.Position < b.Position
	})
	for i := range s.Channels {
		if s.Channels[i].IsCategory() {
			sort.Slice(s.Channels[i].Children, func(a, b int) bool {
				return s.Channels[i].Children[a] < s.Channels[i].Children[b]
			})
		}
	}
}

func (s *Snapshot) CreatedAt() (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s.BackupInfo.Timestamp, time.Local)
}

func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &snap, nil
}

func (s *Snapshot) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(s); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
