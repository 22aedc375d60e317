package store

import (
	"encoding/binary"

	errorsmod "cosmossdk.io/errors"
	dbm "github.com/tendermint/tm-db"

	"github.com/GPTx-global/executor/executor/types"
)

const dbName = "executor"

var cursorKey = []byte("cursor/last_block_seen")

// CursorStore persists the last block seen so a restarted node resumes where it stopped.
type CursorStore struct {
	db dbm.DB
}

// Open opens (or creates) the store in dir with the given tm-db backend.
func Open(backend, dir string) (*CursorStore, error) {
	db, err := dbm.NewDB(dbName, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "failed to open %s store in %s: %v", backend, dir, err)
	}

	return &CursorStore{db: db}, nil
}

func NewMemStore() *CursorStore {
	return &CursorStore{db: dbm.NewMemDB()}
}

// LoadCursor returns the stored cursor. ok is false when nothing has been saved yet.
func (s *CursorStore) LoadCursor() (block uint64, ok bool, err error) {
	bz, err := s.db.Get(cursorKey)
	if err != nil {
		return 0, false, err
	}
	if bz == nil {
		return 0, false, nil
	}
	if len(bz) != 8 {
		return 0, false, errorsmod.Wrapf(types.ErrInvalidConfig, "corrupt cursor record of %d bytes", len(bz))
	}

	return binary.BigEndian.Uint64(bz), true, nil
}

func (s *CursorStore) SaveCursor(block uint64) error {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, block)

	return s.db.SetSync(cursorKey, bz)
}

func (s *CursorStore) Close() error {
	return s.db.Close()
}
