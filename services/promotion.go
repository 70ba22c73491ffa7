package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
)

// promote turns a verified staged binary into a catalog Image. An existing
// image with the same checksum is reused instead of storing the bytes again;
// the boolean reports that reuse. Runs outside any transaction: the checksum
// lock plus the unique index serialize creators.
func (s *SyncService) promote(ctx context.Context, rec *models.ImageRecord) (*models.Image, bool, error) {
	order, err := s.store.Orders.Get(ctx, rec.OrderRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, validationError(CodeOrderNotFound, "imaging order %s not found", rec.OrderRef)
		}
		return nil, false, fmt.Errorf("failed to load order %s: %w", rec.OrderRef, err)
	}

	metadata, header := s.enrichMetadata(rec)
	modality := modalityFor(metadata, header, order)

	study, err := s.store.Catalog.GetOrCreateStudy(ctx, &models.Study{
		OrderRef:    order.Ref,
		StudyUID:    models.StudyUIDForOrder(order.Ref),
		PatientID:   order.PatientID,
		PatientName: order.PatientName,
		Description: order.Description,
	})
	if err != nil {
		return nil, false, err
	}
	series, err := s.store.Catalog.GetOrCreateSeries(ctx, &models.Series{
		StudyID:   study.ID,
		SeriesUID: models.SeriesUIDFor(study.StudyUID, modality),
		Modality:  models.NormalizeModality(modality),
	})
	if err != nil {
		return nil, false, err
	}

	release, err := s.locker.Lock(ctx, "checksum:"+rec.Checksum)
	if err != nil {
		return nil, false, infraError(CodeStorageError, err, "failed to lock checksum %s", rec.Checksum)
	}
	defer release()

	existing, err := s.store.Catalog.FindImageByChecksum(ctx, rec.Checksum)
	if err == nil {
		if existing.RecordID != rec.ID {
			dedupHitsTotal.Inc()
			return existing, true, nil
		}
		// promoted by an earlier attempt of this record
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	key := media.StorageKey(study.StudyUID, series.SeriesUID, rec.ID, rec.Filename)
	src, err := s.staging.Open(rec.ID)
	if err != nil {
		return nil, false, infraError(CodeStorageError, err, "staged binary of image %s is gone", rec.ID)
	}
	storedKey, err := s.media.Save(ctx, key, src, rec.ContentType)
	src.Close()
	if err != nil {
		return nil, false, infraError(CodeStorageError, err, "failed to store image %s", rec.ID)
	}

	img := &models.Image{
		SeriesID:    series.ID,
		RecordID:    rec.ID,
		StorageKey:  storedKey,
		Filename:    rec.Filename,
		FileSize:    rec.FileSize,
		ContentType: rec.ContentType,
		Checksum:    rec.Checksum,
		Metadata:    metadata,
	}
	if header != nil {
		img.ImageUID = header.SOPInstanceUID
	}

	err = s.store.Catalog.SaveImage(ctx, img)
	if errors.Is(err, repository.ErrAlreadyExists) {
		// another process won the checksum; adopt its row
		if winner, ferr := s.store.Catalog.FindImageByChecksum(ctx, rec.Checksum); ferr == nil {
			if winner.StorageKey != storedKey {
				if derr := s.media.Delete(ctx, storedKey); derr != nil {
					s.logger.Warn("failed to delete duplicate object", zap.String("key", storedKey), zap.Error(derr))
				}
			}
			dedupHitsTotal.Inc()
			return winner, true, nil
		}
		if img.ImageUID != "" {
			// the file's own instance UID is taken; fall back to a generated one
			s.logger.Warn("image uid already cataloged",
				zap.String("image_id", rec.ID),
				zap.String("image_uid", img.ImageUID))
			img.ImageUID = ""
			err = s.store.Catalog.SaveImage(ctx, img)
		}
	}
	if err != nil {
		if errors.Is(err, repository.ErrImageImmutable) {
			s.logger.Error("attempted to overwrite a catalog image", zap.String("image_id", rec.ID), zap.Error(err))
		}
		return nil, false, err
	}
	return img, false, nil
}

// enrichMetadata copies the record metadata and merges what the file itself
// says about the acquisition.
func (s *SyncService) enrichMetadata(rec *models.ImageRecord) (datatypes.JSONMap, *media.DICOMHeader) {
	metadata := datatypes.JSONMap{}
	for k, v := range rec.Metadata {
		metadata[k] = v
	}

	switch {
	case media.IsDICOM(rec.ContentType, rec.Filename):
		path, err := s.staging.Path(rec.ID)
		if err != nil {
			return metadata, nil
		}
		header, err := media.ReadDICOMHeader(path)
		if err != nil {
			s.logger.Info("no usable DICOM header", zap.String("image_id", rec.ID), zap.Error(err))
			return metadata, nil
		}
		for k, v := range header.Metadata() {
			metadata[k] = v
		}
		return metadata, header
	case media.IsJPEG(rec.ContentType, rec.Filename):
		f, err := s.staging.Open(rec.ID)
		if err != nil {
			return metadata, nil
		}
		defer f.Close()
		tags, err := media.ExtractEXIF(f)
		if err != nil {
			s.logger.Debug("no EXIF data", zap.String("image_id", rec.ID), zap.Error(err))
			return metadata, nil
		}
		for k, v := range tags {
			metadata[k] = v
		}
	}
	return metadata, nil
}

// modalityFor picks the series modality: client metadata, then the file
// header, then the order.
func modalityFor(metadata datatypes.JSONMap, header *media.DICOMHeader, order *models.ImagingOrder) string {
	if m, ok := metadata["modality"].(string); ok && m != "" {
		return m
	}
	if header != nil && header.Modality != "" {
		return header.Modality
	}
	if order.Modality != nil && *order.Modality != "" {
		return *order.Modality
	}
	return models.DefaultModality
}
