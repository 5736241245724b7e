package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/aoideee/library-api/internal/validator"
)

// Genre represents a row in the "genres" table. Names are unique.
type Genre struct {
	ID          int64     `json:"genre_id"              db:"genre_id"`
	Name        string    `json:"name"                  db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Version     int       `json:"version"               db:"version"`
	CreatedAt   time.Time `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"            db:"updated_at"`
}

type GenreInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (in GenreInput) Apply(g *Genre) {
	if in.Name != nil {
		g.Name = *in.Name
	}
	if in.Description != nil {
		g.Description = *in.Description
	}
}

func ValidateGenre(v *validator.Validator, g *Genre) {
	v.Check(validator.NotBlank(g.Name), "name", "must be provided")
	v.Check(validator.MaxChars(g.Name, 100), "name", "must not be more than 100 characters long")
	v.Check(validator.MaxChars(g.Description, 1000), "description", "must not be more than 1000 characters long")
}

const (
	tableGenres = "genres"
	colGenreID  = "genre_id"
)

type GenreModel struct {
	DB *sqlx.DB
}

func (m GenreModel) Insert(ctx context.Context, g *Genre) error {
	query := `
		INSERT INTO genres (name, description)
		VALUES ($1, $2)
		RETURNING genre_id, version, created_at, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := m.DB.QueryRowxContext(ctx, query, g.Name, g.Description).
		Scan(&g.ID, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	return translateWriteError(err)
}

func (m GenreModel) Get(ctx context.Context, id int64) (*Genre, error) {
	if id < 1 {
		return nil, ErrRecordNotFound
	}

	query := `
		SELECT genre_id, name, description, version, created_at, updated_at
		FROM genres
		WHERE genre_id = $1`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var g Genre
	err := m.DB.GetContext(ctx, &g, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (m GenreModel) GetAll(ctx context.Context, name string, filters Filters) ([]*Genre, Metadata, error) {
	ds := goqu.Dialect(dialectPostgres).
		From(tableGenres).
		Select("genre_id", "name", "description", "version", "created_at", "updated_at", totalCount)
	if name != "" {
		ds = ds.Where(goqu.C("name").ILike(likePattern(name)))
	}

	query, args, err := paginate(ds, filters, tableGenres, colGenreID)
	if err != nil {
		return nil, Metadata{}, err
	}

	var rows []struct {
		TotalRecords int `db:"total_records"`
		Genre
	}
	if err := selectPage(ctx, m.DB, &rows, query, args); err != nil {
		return nil, Metadata{}, err
	}

	totalRecords := 0
	genres := make([]*Genre, 0, len(rows))
	for i := range rows {
		totalRecords = rows[i].TotalRecords
		genres = append(genres, &rows[i].Genre)
	}
	return genres, calculateMetadata(totalRecords, filters.Page, filters.PageSize), nil
}

func (m GenreModel) Update(ctx context.Context, g *Genre) error {
	query := `
		UPDATE genres
		SET name = $1, description = $2, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE genre_id = $3 AND version = $4
		RETURNING version, updated_at`

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := m.DB.QueryRowxContext(ctx, query, g.Name, g.Description, g.ID, g.Version).
		Scan(&g.Version, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEditConflict
	}
	return translateWriteError(err)
}

func (m GenreModel) Delete(ctx context.Context, id int64) error {
	return deleteByID(ctx, m.DB, tableGenres, colGenreID, id)
}
