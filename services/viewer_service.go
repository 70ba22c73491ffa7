package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/facette/natsort"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/camden-git/radsync/media"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/repository"
)

// ErrInvalidViewerToken is returned for viewer tokens that are malformed,
// expired, or scoped to another resource.
var ErrInvalidViewerToken = errors.New("invalid viewer token")

const (
	ResourceStudy = "study"
	ResourceImage = "image"

	viewerURLCacheSize = 4096
)

// ViewerClaims bind a token to one resource and the caller it was issued to.
type ViewerClaims struct {
	Kind     string `json:"knd"`
	Resource string `json:"res"`
	jwt.RegisteredClaims
}

// SignedURL is a time limited read-only link.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ViewerConfig configures URL signing.
type ViewerConfig struct {
	Secret  []byte
	TTL     time.Duration
	BaseURL string
}

// ViewerService issues signed viewer URLs and serves the read-only views they
// grant. It never mutates the catalog.
type ViewerService struct {
	store  *repository.Store
	media  media.Store
	cfg    ViewerConfig
	cache  *expirable.LRU[string, SignedURL]
	logger *zap.Logger
}

func NewViewerService(store *repository.Store, mediaStore media.Store, cfg ViewerConfig, logger *zap.Logger) (*ViewerService, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("viewer URL signing secret is empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ViewerService{
		store: store,
		media: mediaStore,
		cfg:   cfg,
		// a cached URL always has at least half its lifetime left
		cache:  expirable.NewLRU[string, SignedURL](viewerURLCacheSize, nil, cfg.TTL/2),
		logger: logger.Named("viewer"),
	}, nil
}

// GetViewerURL issues a URL for the whole-study listing.
func (v *ViewerService) GetViewerURL(ctx context.Context, studyUID, caller string) (*SignedURL, error) {
	if caller == "" {
		return nil, validationError(CodeInvalidInput, "caller identity is required")
	}
	if _, err := v.store.Catalog.GetStudyByUID(ctx, studyUID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("study %s not found", studyUID)
		}
		return nil, infraError(CodeInternal, err, "failed to load study %s", studyUID)
	}
	return v.cachedURL(ResourceStudy, studyUID, caller)
}

// GetImageURL issues a URL for one image's content.
func (v *ViewerService) GetImageURL(ctx context.Context, imageUID, caller string) (*SignedURL, error) {
	if caller == "" {
		return nil, validationError(CodeInvalidInput, "caller identity is required")
	}
	if _, err := v.store.Catalog.GetImageByUID(ctx, imageUID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("image %s not found", imageUID)
		}
		return nil, infraError(CodeInternal, err, "failed to load image %s", imageUID)
	}
	return v.cachedURL(ResourceImage, imageUID, caller)
}

func (v *ViewerService) cachedURL(kind, resource, caller string) (*SignedURL, error) {
	key := kind + "|" + resource + "|" + caller
	if cached, ok := v.cache.Get(key); ok {
		viewerURLsTotal.WithLabelValues(kind, "hit").Inc()
		return &cached, nil
	}
	expires := time.Now().Add(v.cfg.TTL).Truncate(time.Second)
	token, err := v.sign(kind, resource, caller, expires)
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to sign viewer URL")
	}
	signed := SignedURL{URL: v.resourceURL(kind, resource, "", token), ExpiresAt: expires}
	v.cache.Add(key, signed)
	viewerURLsTotal.WithLabelValues(kind, "miss").Inc()
	return &signed, nil
}

func (v *ViewerService) sign(kind, resource, caller string, expires time.Time) (string, error) {
	claims := ViewerClaims{
		Kind:     kind,
		Resource: resource,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.cfg.Secret)
}

func (v *ViewerService) resourceURL(kind, resource, suffix, token string) string {
	var p string
	switch kind {
	case ResourceStudy:
		p = "/view/studies/" + url.PathEscape(resource)
	default:
		if suffix == "" {
			suffix = "content"
		}
		p = "/view/images/" + url.PathEscape(resource) + "/" + suffix
	}
	return v.cfg.BaseURL + p + "?token=" + url.QueryEscape(token)
}

// VerifyToken checks the signature and expiry of token and that it grants
// access to resource of the given kind.
func (v *ViewerService) VerifyToken(token, kind, resource string) (*ViewerClaims, error) {
	claims := &ViewerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidViewerToken, err)
	}
	if claims.Kind != kind || claims.Resource != resource || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token does not grant %s %s", ErrInvalidViewerToken, kind, resource)
	}
	return claims, nil
}

// StudyView is the read-only listing behind a study URL.
type StudyView struct {
	StudyUID    string       `json:"study_uid"`
	OrderRef    string       `json:"order_ref"`
	PatientID   string       `json:"patient_id"`
	PatientName string       `json:"patient_name"`
	Description *string      `json:"description,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Series      []SeriesView `json:"series"`
}

type SeriesView struct {
	SeriesUID      string      `json:"series_uid"`
	Modality       string      `json:"modality"`
	SequenceNumber int         `json:"sequence_number"`
	Images         []ImageView `json:"images"`
}

type ImageView struct {
	ImageUID    string                 `json:"image_uid"`
	Filename    string                 `json:"filename"`
	ContentType string                 `json:"content_type"`
	FileSize    int64                  `json:"file_size"`
	Checksum    string                 `json:"checksum"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ContentURL  string                 `json:"content_url"`
	PreviewURL  string                 `json:"preview_url,omitempty"`
	CreatedAt   int64                  `json:"created_at"`
}

// StudyListing renders the study a token grants. Image links inherit the
// token's caller and expiry.
func (v *ViewerService) StudyListing(ctx context.Context, token, studyUID string) (*StudyView, error) {
	claims, err := v.VerifyToken(token, ResourceStudy, studyUID)
	if err != nil {
		return nil, err
	}
	study, err := v.store.Catalog.GetStudyByUID(ctx, studyUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("study %s not found", studyUID)
		}
		return nil, infraError(CodeInternal, err, "failed to load study %s", studyUID)
	}
	expires := claims.ExpiresAt.Time

	view := &StudyView{
		StudyUID:    study.StudyUID,
		OrderRef:    study.OrderRef,
		PatientID:   study.PatientID,
		PatientName: study.PatientName,
		Description: study.Description,
		ExpiresAt:   expires,
		Series:      []SeriesView{},
	}
	series, err := v.store.Catalog.ListSeries(ctx, study.ID)
	if err != nil {
		return nil, infraError(CodeInternal, err, "failed to list series of study %s", studyUID)
	}
	for _, se := range series {
		images, err := v.store.Catalog.ListImages(ctx, se.ID)
		if err != nil {
			return nil, infraError(CodeInternal, err, "failed to list images of series %s", se.SeriesUID)
		}
		sort.SliceStable(images, func(i, j int) bool {
			return natsort.Compare(images[i].Filename, images[j].Filename)
		})

		sv := SeriesView{SeriesUID: se.SeriesUID, Modality: se.Modality, SequenceNumber: se.SequenceNumber, Images: []ImageView{}}
		for _, img := range images {
			imgToken, err := v.sign(ResourceImage, img.ImageUID, claims.Subject, expires)
			if err != nil {
				return nil, infraError(CodeInternal, err, "failed to sign image URL")
			}
			iv := ImageView{
				ImageUID:    img.ImageUID,
				Filename:    img.Filename,
				ContentType: img.ContentType,
				FileSize:    img.FileSize,
				Checksum:    img.Checksum,
				Metadata:    img.Metadata,
				ContentURL:  v.resourceURL(ResourceImage, img.ImageUID, "content", imgToken),
				CreatedAt:   img.CreatedAt,
			}
			if p, err := v.store.Previews.Get(ctx, img.ID); err == nil && p.Status == models.PreviewStatusDone {
				iv.PreviewURL = v.resourceURL(ResourceImage, img.ImageUID, "preview", imgToken)
			}
			sv.Images = append(sv.Images, iv)
		}
		view.Series = append(view.Series, sv)
	}
	return view, nil
}

// ImageContent is either a redirect to a presigned object URL or a stream.
type ImageContent struct {
	RedirectURL string
	Body        io.ReadCloser
	ContentType string
	Size        int64
	Filename    string
	Checksum    string
}

// OpenImage resolves the content an image token grants.
func (v *ViewerService) OpenImage(ctx context.Context, token, imageUID string) (*ImageContent, error) {
	claims, err := v.VerifyToken(token, ResourceImage, imageUID)
	if err != nil {
		return nil, err
	}
	img, err := v.imageByUID(ctx, imageUID)
	if err != nil {
		return nil, err
	}
	return v.open(ctx, img.StorageKey, img.ContentType, img.Filename, img.Checksum, time.Until(claims.ExpiresAt.Time))
}

// OpenPreview resolves the generated preview of an image.
func (v *ViewerService) OpenPreview(ctx context.Context, token, imageUID string) (*ImageContent, error) {
	claims, err := v.VerifyToken(token, ResourceImage, imageUID)
	if err != nil {
		return nil, err
	}
	img, err := v.imageByUID(ctx, imageUID)
	if err != nil {
		return nil, err
	}
	p, err := v.store.Previews.Get(ctx, img.ID)
	if err != nil || p.Status != models.PreviewStatusDone || p.StorageKey == nil {
		return nil, notFoundError("no preview for image %s", imageUID)
	}
	name := strings.TrimSuffix(img.Filename, path.Ext(img.Filename)) + media.PreviewFileExtension
	return v.open(ctx, *p.StorageKey, media.PreviewContentType, name, "", time.Until(claims.ExpiresAt.Time))
}

func (v *ViewerService) imageByUID(ctx context.Context, imageUID string) (*models.Image, error) {
	img, err := v.store.Catalog.GetImageByUID(ctx, imageUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundError("image %s not found", imageUID)
		}
		return nil, infraError(CodeInternal, err, "failed to load image %s", imageUID)
	}
	return img, nil
}

func (v *ViewerService) open(ctx context.Context, key, contentType, filename, checksum string, ttl time.Duration) (*ImageContent, error) {
	if p, ok := v.media.(media.Presigner); ok && ttl > 0 {
		u, err := p.PresignGet(ctx, key, ttl)
		if err == nil {
			return &ImageContent{RedirectURL: u, ContentType: contentType, Filename: filename, Checksum: checksum}, nil
		}
		v.logger.Warn("presign failed, streaming instead", zap.String("key", key), zap.Error(err))
	}
	body, info, err := v.media.Open(ctx, key)
	if err != nil {
		if errors.Is(err, media.ErrObjectNotFound) {
			return nil, notFoundError("stored object %s not found", key)
		}
		return nil, infraError(CodeStorageError, err, "failed to open %s", key)
	}
	if info.ContentType != "" && contentType == "" {
		contentType = info.ContentType
	}
	return &ImageContent{Body: body, ContentType: contentType, Size: info.Size, Filename: filename, Checksum: checksum}, nil
}
