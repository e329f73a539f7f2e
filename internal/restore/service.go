package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"restorebot/internal/catalog"
	"restorebot/internal/progress"
	"restorebot/internal/restorekey"
	"restorebot/internal/snapshot"
	"restorebot/internal/storage"
)

var (
	ErrNoBackup       = errors.New("no backup found for this key")
	ErrNoUsers        = errors.New("no authorized users to restore")
	ErrRestoreRunning = errors.New("a restore is already running for this server")
)

type KeyStore interface {
	ResolveKey(ctx context.Context, key string) (string, error)
	RotateKey(ctx context.Context, guildID, oldKey, newKey string) error
}

type StructurePlan struct {
	Key           string
	SourceGuildID string
	DestGuildID   string
	Backup        catalog.Entry
	Snapshot      *snapshot.Snapshot
	Cleanup       bool
}

type StructureOutcome struct {
	Cleanup   *CleanupResult
	Result    StructureResult
	NewKey    string
	RotateErr error
}

type MemberPlan struct {
	Key           string
	SourceGuildID string
	SourceName    string
	DestGuildID   string
	Users         []storage.AuthorizedUser
}

type MemberOutcome struct {
	Result    MemberResult
	NewKey    string
	RotateErr error
}

// Service resolves restore keys into plans and runs them, rotating the key
// once a run reaches the end.
type Service struct {
	keys        KeyStore
	guildFolder string
	catalog     *catalog.Catalog
	structure   *StructureRestorer
	members     *MemberRestorer
	logger      *zap.Logger
	generate    func() (string, error)

	mu      sync.Mutex
	running map[string]struct{}
}

func NewService(keys KeyStore, guildFolder string, cat *catalog.Catalog, structure *StructureRestorer, members *MemberRestorer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		keys:        keys,
		guildFolder: guildFolder,
		catalog:     cat,
		structure:   structure,
		members:     members,
		logger:      logger,
		generate:    restorekey.Generate,
		running:     make(map[string]struct{}),
	}
}

func (s *Service) resolve(ctx context.Context, key string) (string, error) {
	if !restorekey.Valid(key) {
		return "", storage.ErrKeyNotFound
	}
	return s.keys.ResolveKey(ctx, key)
}

// PrepareStructure loads the named backup, or the newest one when name is
// empty, for the guild the key belongs to.
func (s *Service) PrepareStructure(ctx context.Context, key, backupName, destGuildID string, cleanup bool) (*StructurePlan, error) {
	sourceGuildID, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	var entry catalog.Entry
	if backupName == "" {
		entry, err = s.catalog.Latest(sourceGuildID)
	} else {
		entry, err = s.catalog.Find(sourceGuildID, backupName)
	}
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNoBackup
	}
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Load(entry.File)
	if err != nil {
		return nil, fmt.Errorf("load backup %s: %w", entry.Name, err)
	}
	return &StructurePlan{
		Key:           key,
		SourceGuildID: sourceGuildID,
		DestGuildID:   destGuildID,
		Backup:        entry,
		Snapshot:      snap,
		Cleanup:       cleanup,
	}, nil
}

func (s *Service) RunStructure(ctx context.Context, plan *StructurePlan, reporter progress.Reporter) (*StructureOutcome, error) {
	release, err := s.acquire(ctx, plan.Key, plan.SourceGuildID, plan.DestGuildID)
	if err != nil {
		return nil, err
	}
	defer release()

	outcome := &StructureOutcome{}
	if plan.Cleanup {
		cleaned, err := s.structure.Cleanup(ctx, plan.DestGuildID, reporter)
		if err != nil {
			return nil, fmt.Errorf("cleanup: %w", err)
		}
		outcome.Cleanup = &cleaned
	}
	result, err := s.structure.Restore(ctx, plan.Snapshot, plan.Backup.Dir, plan.DestGuildID, reporter)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	outcome.Result = result
	created, failed := result.Totals()
	if reporter != nil {
		progress.Finish(reporter, progress.Update{Phase: "done", Done: created + failed, Total: created + failed, Failed: failed})
	}

	outcome.NewKey, outcome.RotateErr = s.rotate(ctx, plan.SourceGuildID, plan.Key)
	return outcome, nil
}

// PrepareMembers loads the authorized users stored for the key's guild.
func (s *Service) PrepareMembers(ctx context.Context, key, destGuildID string) (*MemberPlan, error) {
	sourceGuildID, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	guild, err := storage.OpenGuild(ctx, s.guildFolder, sourceGuildID)
	if err != nil {
		return nil, err
	}
	defer guild.Close()

	info, err := guild.Info(ctx)
	if err != nil {
		return nil, err
	}
	users, err := guild.AuthorizedUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNoUsers
	}
	return &MemberPlan{
		Key:           key,
		SourceGuildID: sourceGuildID,
		SourceName:    info.Name,
		DestGuildID:   destGuildID,
		Users:         users,
	}, nil
}

func (s *Service) RunMembers(ctx context.Context, plan *MemberPlan, reporter progress.Reporter) (*MemberOutcome, error) {
	release, err := s.acquire(ctx, plan.Key, plan.SourceGuildID, plan.DestGuildID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := s.members.Restore(ctx, plan.Users, plan.DestGuildID, reporter)
	if err != nil {
		return nil, fmt.Errorf("member restore: %w", err)
	}
	if reporter != nil {
		progress.Finish(reporter, progress.Update{Phase: "done", Done: result.Total, Total: result.Total, Failed: result.Failed})
	}
	outcome := &MemberOutcome{Result: result}
	outcome.NewKey, outcome.RotateErr = s.rotate(ctx, plan.SourceGuildID, plan.Key)
	return outcome, nil
}

// rotate swaps oldKey for a fresh key and mirrors it into the guild record.
// Errors are logged and returned for reporting only.
func (s *Service) rotate(ctx context.Context, guildID, oldKey string) (string, error) {
	logger := s.logger.With(zap.String("guild_id", guildID))
	newKey, err := s.generate()
	if err != nil {
		logger.Error("generate restore key failed", zap.Error(err))
		return "", err
	}
	if err := s.keys.RotateKey(ctx, guildID, oldKey, newKey); err != nil {
		logger.Error("rotate restore key failed", zap.Error(err))
		return "", err
	}

	guild, err := storage.OpenGuild(ctx, s.guildFolder, guildID)
	if err != nil {
		logger.Error("mirror restore key failed", zap.Error(err))
		return newKey, err
	}
	defer guild.Close()
	if err := guild.SetKey(ctx, newKey); err != nil {
		logger.Error("mirror restore key failed", zap.Error(err))
		return newKey, err
	}
	logger.Info("restore key rotated")
	return newKey, nil
}

// acquire locks the source and destination guilds for one run and checks
// that key still belongs to the source. A plan whose key was consumed by an
// earlier run is rejected with storage.ErrKeyNotFound.
func (s *Service) acquire(ctx context.Context, key, sourceGuildID, destGuildID string) (func(), error) {
	ids := []string{sourceGuildID}
	if destGuildID != sourceGuildID {
		ids = append(ids, destGuildID)
	}

	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.running[id]; ok {
			s.mu.Unlock()
			return nil, ErrRestoreRunning
		}
	}
	for _, id := range ids {
		s.running[id] = struct{}{}
	}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		for _, id := range ids {
			delete(s.running, id)
		}
		s.mu.Unlock()
	}

	guildID, err := s.resolve(ctx, key)
	if err != nil {
		release()
		return nil, err
	}
	if guildID != sourceGuildID {
		release()
		return nil, storage.ErrKeyNotFound
	}
	return release, nil
}
