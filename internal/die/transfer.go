package die

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/dataset"
)

// UploadDataSet replaces the animations and behaviors on the die. The die
// first accepts the section sizes, then receives the flattened dataset and
// reports when it has been written to flash.
func (s *Session) UploadDataSet(ctx context.Context, set *dataset.DataSet, progress func(float64)) error {
	if err := set.Validate(); err != nil {
		return fmt.Errorf("die: upload dataset: %w", err)
	}
	data := set.Bytes()
	hash := dataset.Hash(data)

	err := s.perform(ctx, "upload dataset", func(ctx context.Context) error {
		m, err := s.link.SendWithAck(ctx, set.TransferMessage(), protocol.TypeTransferAnimSetAck, s.opts.AckTimeout, nil)
		if err != nil {
			return err
		}
		if m.(*protocol.TransferAnimSetAck).Result == 0 {
			return ErrNoMemory
		}
		return s.uploadAndWait(ctx, data, protocol.TypeTransferAnimSetFinished, progress)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.info.DataSetHash = hash
	s.mu.Unlock()
	log.Info().Str("die", s.String()).Int("bytes", len(data)).Uint32("hash", hash).Msg("die: dataset uploaded")
	return nil
}

// PlayTestAnimation previews animation index of set. The die keeps the
// last preview and skips the transfer when the hash matches.
func (s *Session) PlayTestAnimation(ctx context.Context, set *dataset.DataSet, index int, progress func(float64)) error {
	data, msg, err := set.TestAnimation(index)
	if err != nil {
		return fmt.Errorf("die: test animation: %w", err)
	}
	return s.perform(ctx, "test animation", func(ctx context.Context) error {
		m, err := s.link.SendWithAck(ctx, msg, protocol.TypeTransferTestAnimSetAck, s.opts.AckTimeout, nil)
		if err != nil {
			return err
		}
		switch r := m.(*protocol.TransferTestAnimSetAck).Result; r {
		case protocol.TestAnimUpToDate:
			log.Debug().Str("die", s.String()).Msg("die: test animation already on die")
			if progress != nil {
				progress(1)
			}
			return nil
		case protocol.TestAnimNoMemory:
			return ErrNoMemory
		case protocol.TestAnimDownload:
			return s.uploadAndWait(ctx, data, protocol.TypeTransferTestAnimSetFinished, progress)
		default:
			return fmt.Errorf("%w: %s", ErrTransferRejected, r)
		}
	})
}

// UploadSettings sends an opaque settings blob.
func (s *Session) UploadSettings(ctx context.Context, data []byte, progress func(float64)) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("die: upload settings: %w", protocol.ErrTooLarge)
	}
	return s.perform(ctx, "upload settings", func(ctx context.Context) error {
		msg := &protocol.TransferSettings{Size: uint16(len(data))}
		if _, err := s.link.SendWithAck(ctx, msg, protocol.TypeTransferSettingsAck, s.opts.AckTimeout, nil); err != nil {
			return err
		}
		return s.uploadAndWait(ctx, data, protocol.TypeTransferSettingsFinished, progress)
	})
}

// DownloadSettings reads the settings blob from the die.
func (s *Session) DownloadSettings(ctx context.Context) ([]byte, error) {
	return s.download(ctx, "download settings", protocol.TypeRequestSettings)
}

// DownloadAnimSet reads the raw dataset bytes stored on the die.
func (s *Session) DownloadAnimSet(ctx context.Context) ([]byte, error) {
	return s.download(ctx, "download anim set", protocol.TypeRequestAnimSet)
}

// UploadBulkData sends data with no preceding handshake.
func (s *Session) UploadBulkData(ctx context.Context, data []byte, progress func(float64)) error {
	return s.perform(ctx, "upload bulk data", func(ctx context.Context) error {
		return s.link.UploadBulk(ctx, data, s.bulkOptions(progress))
	})
}

// DownloadBulkData receives a buffer the die starts sending on its own.
func (s *Session) DownloadBulkData(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.perform(ctx, "download bulk data", func(ctx context.Context) error {
		var err error
		data, err = s.link.DownloadBulk(ctx, nil)
		return err
	})
	return data, err
}

func (s *Session) download(ctx context.Context, name string, request protocol.MessageType) ([]byte, error) {
	var data []byte
	err := s.perform(ctx, name, func(ctx context.Context) error {
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		deadline := s.clock.AfterFunc(s.opts.ProgrammingTimeout, func() {
			cancel(fmt.Errorf("%w after %s", protocol.ErrTimeout, s.opts.ProgrammingTimeout))
		})
		defer deadline.Stop()
		var err error
		data, err = s.link.DownloadBulk(ctx, &protocol.Empty{Kind: request})
		return err
	})
	return data, err
}

// uploadAndWait runs the bulk upload and waits for finished, armed before
// the last chunk so the die cannot answer too early.
func (s *Session) uploadAndWait(ctx context.Context, data []byte, finished protocol.MessageType, progress func(float64)) error {
	done := s.link.Expect(finished)
	if err := s.link.UploadBulk(ctx, data, s.bulkOptions(progress)); err != nil {
		done.Cancel()
		return err
	}
	if _, err := done.Wait(ctx, s.opts.ProgrammingTimeout); err != nil {
		return fmt.Errorf("waiting for die to program: %w", err)
	}
	return nil
}
