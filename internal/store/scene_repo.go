package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// SceneRepo is the repository for Scene/Shot/Episode/WorldSetting/
// StorylineBeat rows — the scene-planning and assembly entities
// supplemented from original_source (see DESIGN.md), owned exclusively by
// their project.
type SceneRepo struct {
	store *Store
}

func NewSceneRepo(s *Store) *SceneRepo { return &SceneRepo{store: s} }

// CreateScene inserts a scene with its suggested shots.
func (r *SceneRepo) CreateScene(ctx context.Context, h DBTX, sc *models.Scene) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Status == "" {
		sc.Status = "pending"
	}
	_, err := h.ExecContext(ctx, `
		INSERT INTO scenes (id, project_id, index, title, synopsis, suggested_shots, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sc.ID, sc.ProjectID, sc.Index, sc.Title, sc.Synopsis, sc.SuggestedShots, sc.Status)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating scene", err)
	}
	return nil
}

// CreateShot inserts a shot under a scene.
func (r *SceneRepo) CreateShot(ctx context.Context, h DBTX, sh *models.Shot) error {
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	if sh.Status == "" {
		sh.Status = models.ShotPending
	}
	_, err := h.ExecContext(ctx, `
		INSERT INTO shots (id, scene_id, index, shot_type, characters_present, status)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sh.ID, sh.SceneID, sh.Index, sh.ShotType, pq.StringArray(sh.CharactersPresent), sh.Status)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating shot", err)
	}
	return nil
}

// CountScenes returns the number of scenes for a project, backing the
// scene_planning gate.
func (r *SceneRepo) CountScenes(ctx context.Context, projectID string) (int, error) {
	var n int
	row := r.store.Acquire().QueryRowContext(ctx, `SELECT COUNT(*) FROM scenes WHERE project_id = $1`, projectID)
	if err := row.Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "counting scenes", err)
	}
	return n, nil
}

// ShotsMissingSourceImage returns shots under projectID lacking a
// source_image_path, backing the shot_preparation gate.
func (r *SceneRepo) ShotsMissingSourceImage(ctx context.Context, projectID string) ([]models.Shot, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT sh.id, sh.scene_id, sh.index, sh.shot_type, sh.characters_present, sh.source_image_path, sh.status
		FROM shots sh JOIN scenes sc ON sh.scene_id = sc.id
		WHERE sc.project_id = $1 AND sh.source_image_path IS NULL
		ORDER BY sc.index, sh.index
	`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing shots missing source image", err)
	}
	defer rows.Close()

	var out []models.Shot
	for rows.Next() {
		var sh models.Shot
		var chars pq.StringArray
		if err := rows.Scan(&sh.ID, &sh.SceneID, &sh.Index, &sh.ShotType, &chars, &sh.SourceImagePath, &sh.Status); err != nil {
			return nil, apperror.Wrap(apperror.KindCatastrophic, "scanning shot", err)
		}
		sh.CharactersPresent = chars
		out = append(out, sh)
	}
	return out, rows.Err()
}

// AssignShotImage sets a shot's source_image_path.
func (r *SceneRepo) AssignShotImage(ctx context.Context, h DBTX, shotID, imagePath string) error {
	_, err := h.ExecContext(ctx, `UPDATE shots SET source_image_path = $1 WHERE id = $2`, imagePath, shotID)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "assigning shot image", err)
	}
	return nil
}

// AssignedImagePathsForShotType returns the output paths already assigned
// to shots of shotType under a project, so BestApprovedImage can prefer
// diversity (spec §4.7.7's shot_preparation worker).
func (r *SceneRepo) AssignedImagePathsForShotType(ctx context.Context, projectID, shotType string) ([]string, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT sh.source_image_path FROM shots sh JOIN scenes sc ON sh.scene_id = sc.id
		WHERE sc.project_id = $1 AND sh.shot_type = $2 AND sh.source_image_path IS NOT NULL
	`, projectID, shotType)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing assigned shot images", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ShotsNotRenderReady reports shots not yet in {completed, accepted_best}.
func (r *SceneRepo) ShotsNotRenderReady(ctx context.Context, projectID string) (int, error) {
	var n int
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM shots sh JOIN scenes sc ON sh.scene_id = sc.id
		WHERE sc.project_id = $1 AND sh.status NOT IN ('completed', 'accepted_best')
	`, projectID)
	if err := row.Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "counting unfinished shots", err)
	}
	return n, nil
}

// NextUnassembledScene returns the first scene under projectID missing a
// final_video_path, ordered by index, or nil if every scene is assembled.
func (r *SceneRepo) NextUnassembledScene(ctx context.Context, projectID string) (*models.Scene, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, project_id, index, title, synopsis, suggested_shots, final_video_path, status
		FROM scenes WHERE project_id = $1 AND final_video_path IS NULL ORDER BY index LIMIT 1
	`, projectID)
	var sc models.Scene
	if err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Index, &sc.Title, &sc.Synopsis, &sc.SuggestedShots, &sc.FinalVideoPath, &sc.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching next unassembled scene", err)
	}
	return &sc, nil
}

// ShotsForScene returns a scene's shots in order.
func (r *SceneRepo) ShotsForScene(ctx context.Context, sceneID string) ([]models.Shot, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, scene_id, index, shot_type, characters_present, source_image_path, status
		FROM shots WHERE scene_id = $1 ORDER BY index
	`, sceneID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing shots for scene", err)
	}
	defer rows.Close()
	var out []models.Shot
	for rows.Next() {
		var sh models.Shot
		var chars pq.StringArray
		if err := rows.Scan(&sh.ID, &sh.SceneID, &sh.Index, &sh.ShotType, &chars, &sh.SourceImagePath, &sh.Status); err != nil {
			return nil, err
		}
		sh.CharactersPresent = chars
		out = append(out, sh)
	}
	return out, rows.Err()
}

// SetShotStatus updates a shot's render status.
func (r *SceneRepo) SetShotStatus(ctx context.Context, shotID string, status models.ShotStatus) error {
	_, err := r.store.Acquire().ExecContext(ctx, `UPDATE shots SET status = $1 WHERE id = $2`, status, shotID)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "updating shot status", err)
	}
	return nil
}

// SetSceneFinalVideo records a scene's assembled video path.
func (r *SceneRepo) SetSceneFinalVideo(ctx context.Context, sceneID, path string) error {
	_, err := r.store.Acquire().ExecContext(ctx, `UPDATE scenes SET final_video_path = $1, status = 'completed' WHERE id = $2`, path, sceneID)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "setting scene final video", err)
	}
	return nil
}

// CreateEpisode inserts an episode.
func (r *SceneRepo) CreateEpisode(ctx context.Context, ep *models.Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Status == "" {
		ep.Status = models.EpisodePending
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO episodes (id, project_id, index, scene_ids, status) VALUES ($1,$2,$3,$4,$5)
	`, ep.ID, ep.ProjectID, ep.Index, pq.StringArray(ep.SceneIDs), ep.Status)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating episode", err)
	}
	return nil
}

// CountEpisodes returns the number of episodes for a project, so the
// episode_assembly/publishing gates don't vacuously pass on a project that
// has never had an episode created.
func (r *SceneRepo) CountEpisodes(ctx context.Context, projectID string) (int, error) {
	var n int
	row := r.store.Acquire().QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes WHERE project_id = $1`, projectID)
	if err := row.Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "counting episodes", err)
	}
	return n, nil
}

// EpisodesMissingVideo returns episodes under projectID lacking
// final_video_path.
func (r *SceneRepo) EpisodesMissingVideo(ctx context.Context, projectID string) ([]models.Episode, error) {
	return r.listEpisodes(ctx, `SELECT id, project_id, index, scene_ids, final_video_path, status
		FROM episodes WHERE project_id = $1 AND final_video_path IS NULL ORDER BY index`, projectID)
}

// EpisodesNotPublished returns episodes under projectID not yet published.
func (r *SceneRepo) EpisodesNotPublished(ctx context.Context, projectID string) ([]models.Episode, error) {
	return r.listEpisodes(ctx, `SELECT id, project_id, index, scene_ids, final_video_path, status
		FROM episodes WHERE project_id = $1 AND status != 'published' ORDER BY index`, projectID)
}

func (r *SceneRepo) listEpisodes(ctx context.Context, query, projectID string) ([]models.Episode, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing episodes", err)
	}
	defer rows.Close()
	var out []models.Episode
	for rows.Next() {
		var ep models.Episode
		var sceneIDs pq.StringArray
		if err := rows.Scan(&ep.ID, &ep.ProjectID, &ep.Index, &sceneIDs, &ep.FinalVideoPath, &ep.Status); err != nil {
			return nil, err
		}
		ep.SceneIDs = sceneIDs
		out = append(out, ep)
	}
	return out, rows.Err()
}

// ScenesForEpisode returns the scenes referenced by an episode's
// scene_ids, in episode order.
func (r *SceneRepo) ScenesForEpisode(ctx context.Context, ep models.Episode) ([]models.Scene, error) {
	var out []models.Scene
	for _, sceneID := range ep.SceneIDs {
		row := r.store.Acquire().QueryRowContext(ctx, `
			SELECT id, project_id, index, title, synopsis, suggested_shots, final_video_path, status
			FROM scenes WHERE id = $1
		`, sceneID)
		var sc models.Scene
		if err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Index, &sc.Title, &sc.Synopsis, &sc.SuggestedShots, &sc.FinalVideoPath, &sc.Status); err != nil {
			return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching scene for episode", err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// SetEpisodeFinalVideo records an episode's assembled video path.
func (r *SceneRepo) SetEpisodeFinalVideo(ctx context.Context, episodeID, path string) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE episodes SET final_video_path = $1, status = 'assembled' WHERE id = $2
	`, path, episodeID)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "setting episode final video", err)
	}
	return nil
}

// PublishEpisode marks an episode published.
func (r *SceneRepo) PublishEpisode(ctx context.Context, episodeID string) error {
	_, err := r.store.Acquire().ExecContext(ctx, `UPDATE episodes SET status = 'published' WHERE id = $1`, episodeID)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "publishing episode", err)
	}
	return nil
}

// ScenesForProject returns every scene of a project in scene order, used
// by the episode_assembly worker to form an episode.
func (r *SceneRepo) ScenesForProject(ctx context.Context, projectID string) ([]models.Scene, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, project_id, index, title, synopsis, suggested_shots, final_video_path, status
		FROM scenes WHERE project_id = $1 ORDER BY index
	`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing scenes for project", err)
	}
	defer rows.Close()
	var out []models.Scene
	for rows.Next() {
		var sc models.Scene
		if err := rows.Scan(&sc.ID, &sc.ProjectID, &sc.Index, &sc.Title, &sc.Synopsis, &sc.SuggestedShots, &sc.FinalVideoPath, &sc.Status); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// PutWorldSetting upserts a project-owned world-setting key/value pair.
func (r *SceneRepo) PutWorldSetting(ctx context.Context, ws models.WorldSetting) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO world_settings (project_id, key, value) VALUES ($1,$2,$3)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value
	`, ws.ProjectID, ws.Key, ws.Value)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "upserting world setting", err)
	}
	return nil
}

// WorldSettings returns every world setting for a project.
func (r *SceneRepo) WorldSettings(ctx context.Context, projectID string) (map[string]string, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `SELECT key, value FROM world_settings WHERE project_id = $1`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing world settings", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = string(value)
	}
	return out, rows.Err()
}

// AppendStorylineBeat appends a narrative beat to a project's storyline.
func (r *SceneRepo) AppendStorylineBeat(ctx context.Context, b models.StorylineBeat) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO storyline_beats (project_id, index, summary) VALUES ($1,$2,$3)
		ON CONFLICT (project_id, index) DO UPDATE SET summary = EXCLUDED.summary
	`, b.ProjectID, b.Index, b.Summary)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "appending storyline beat", err)
	}
	return nil
}

// Storyline returns a project's ordered narrative beats.
func (r *SceneRepo) Storyline(ctx context.Context, projectID string) ([]models.StorylineBeat, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT project_id, index, summary FROM storyline_beats WHERE project_id = $1 ORDER BY index
	`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing storyline", err)
	}
	defer rows.Close()
	var out []models.StorylineBeat
	for rows.Next() {
		var b models.StorylineBeat
		if err := rows.Scan(&b.ProjectID, &b.Index, &b.Summary); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
