package store

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"codehive/collab/internal/crdt"
	"codehive/collab/internal/models"
)

const (
	colProjects    = "projects"
	colFiles       = "files"
	colSuggestions = "suggestions"
	colUsers       = "users"
)

// Gateway mediates all access to the external document store. With no URI
// configured, or after a failed connect, every operation degrades to a
// no-op for the process lifetime.
type Gateway struct {
	log *zap.Logger
	uri string
	db  string

	mu        sync.Mutex
	attempted bool
	database  *mongo.Database
}

func NewGateway(uri, dbName string, log *zap.Logger) *Gateway {
	if dbName == "" {
		dbName = "codehive"
	}
	return &Gateway{log: log, uri: uri, db: dbName}
}

// EnsureConnection establishes and caches a single connection. The first
// call decides for the process: later calls return the cached result.
func (g *Gateway) EnsureConnection(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attempted {
		return g.database != nil
	}
	g.attempted = true
	if g.uri == "" {
		g.log.Info("no store configured, running ephemeral")
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(g.uri))
	if err != nil {
		g.log.Error("store connect failed", zap.Error(err))
		return false
	}
	if err := client.Ping(ctx, nil); err != nil {
		g.log.Error("store ping failed", zap.Error(err))
		return false
	}
	g.database = client.Database(g.db)
	g.ensureIndexes(ctx)
	g.log.Info("store connected", zap.String("db", g.db))
	return true
}

func (g *Gateway) ensureIndexes(ctx context.Context) {
	_, _ = g.database.Collection(colFiles).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "projectId", Value: 1}},
	})
	_, _ = g.database.Collection(colSuggestions).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "projectId", Value: 1}}},
		{Keys: bson.D{{Key: "fileId", Value: 1}}},
		{Keys: bson.D{{Key: "creatorId", Value: 1}}},
	})
	_, _ = g.database.Collection(colUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
}

func (g *Gateway) collection(name string) *mongo.Collection {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.database == nil {
		return nil
	}
	return g.database.Collection(name)
}

// LoadProjectState upserts the project record, reads its file and
// suggestion records, and rebuilds the doc's shared containers in one
// transaction on the doc. Store failures degrade to empty permissions; only
// a cancelled context surfaces as an error.
func (g *Gateway) LoadProjectState(ctx context.Context, roomID string, doc *crdt.Doc) (map[string]models.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perms := make(map[string]models.Role)
	if !g.EnsureConnection(ctx) {
		return perms, nil
	}
	now := time.Now().UTC()
	projects := g.collection(colProjects)
	_, err := projects.UpdateByID(ctx, roomID, bson.M{
		"$setOnInsert": bson.M{"name": roomID, "createdAt": now, "permissions": bson.M{}},
		"$set":         bson.M{"updatedAt": now},
	}, options.Update().SetUpsert(true))
	if err != nil {
		g.log.Error("project upsert failed", zap.String("room", roomID), zap.Error(err))
		return perms, nil
	}

	var project models.ProjectRecord
	if err := projects.FindOne(ctx, bson.M{"_id": roomID}).Decode(&project); err == nil {
		for userID, role := range project.Permissions {
			if role.Valid() {
				perms[userID] = role
			}
		}
	}

	files, err := g.findFiles(ctx, roomID)
	if err != nil {
		g.log.Error("file load failed", zap.String("room", roomID), zap.Error(err))
		return make(map[string]models.Role), nil
	}
	suggestions, err := g.findSuggestions(ctx, roomID)
	if err != nil {
		g.log.Error("suggestion load failed", zap.String("room", roomID), zap.Error(err))
		return make(map[string]models.Role), nil
	}

	doc.Transact(nil, func() {
		rebuildFiles(doc, files)
		rebuildSuggestions(doc, suggestions)
	})
	return perms, nil
}

func (g *Gateway) findFiles(ctx context.Context, roomID string) ([]models.FileRecord, error) {
	cur, err := g.collection(colFiles).Find(ctx, bson.M{"projectId": roomID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.FileRecord
	return out, cur.All(ctx, &out)
}

func (g *Gateway) findSuggestions(ctx context.Context, roomID string) ([]models.SuggestionRecord, error) {
	cur, err := g.collection(colSuggestions).Find(ctx, bson.M{"projectId": roomID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []models.SuggestionRecord
	return out, cur.All(ctx, &out)
}

// PersistProjectState writes the doc's files and suggestions back, upserting
// by id and deleting store records whose ids the doc no longer holds.
func (g *Gateway) PersistProjectState(ctx context.Context, roomID string, doc *crdt.Doc) error {
	if !g.EnsureConnection(ctx) {
		return nil
	}
	files := g.collection(colFiles)
	fileIDs := make([]string, 0)
	var firstErr error
	doc.Map("editor:files").Each(func(fileID string, val any) {
		text, ok := val.(*crdt.Text)
		if !ok {
			return
		}
		path, ok := BuildFilePathFromTree(doc, fileID)
		if !ok {
			path = FallbackFilePath(fileID)
		}
		rec := models.FileRecord{ID: fileID, ProjectID: roomID, Path: path, Content: text.String()}
		_, err := files.ReplaceOne(ctx, bson.M{"_id": fileID}, rec, options.Replace().SetUpsert(true))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		fileIDs = append(fileIDs, fileID)
	})
	if _, err := files.DeleteMany(ctx, bson.M{"projectId": roomID, "_id": bson.M{"$nin": fileIDs}}); err != nil && firstErr == nil {
		firstErr = err
	}

	suggestions := g.collection(colSuggestions)
	suggIDs := make([]string, 0)
	doc.Map("editor:suggestions").Each(func(suggID string, val any) {
		entry, ok := val.(*crdt.Map)
		if !ok {
			return
		}
		rec := suggestionRecord(roomID, suggID, entry)
		_, err := suggestions.ReplaceOne(ctx, bson.M{"_id": suggID}, rec, options.Replace().SetUpsert(true))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		suggIDs = append(suggIDs, suggID)
	})
	if _, err := suggestions.DeleteMany(ctx, bson.M{"projectId": roomID, "_id": bson.M{"$nin": suggIDs}}); err != nil && firstErr == nil {
		firstErr = err
	}

	_, err := g.collection(colProjects).UpdateByID(ctx, roomID,
		bson.M{"$set": bson.M{"updatedAt": time.Now().UTC()}})
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetProjectPermission writes a single entry of the project permission map.
func (g *Gateway) SetProjectPermission(ctx context.Context, roomID, userID string, role models.Role) error {
	if !g.EnsureConnection(ctx) {
		return nil
	}
	_, err := g.collection(colProjects).UpdateByID(ctx, roomID,
		bson.M{"$set": bson.M{"permissions." + userID: role}},
		options.Update().SetUpsert(true))
	return err
}

/*** user records (login path) ***/

// LoadUser fetches a user by username; (nil, nil) when absent or the store
// is unavailable.
func (g *Gateway) LoadUser(ctx context.Context, username string) (*models.UserRecord, error) {
	if !g.EnsureConnection(ctx) {
		return nil, nil
	}
	var rec models.UserRecord
	err := g.collection(colUsers).FindOne(ctx, bson.M{"username": username}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveUser upserts a user record.
func (g *Gateway) SaveUser(ctx context.Context, rec *models.UserRecord) error {
	if !g.EnsureConnection(ctx) {
		return nil
	}
	_, err := g.collection(colUsers).ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

// AdminExists reports whether any stored user holds the admin role.
func (g *Gateway) AdminExists(ctx context.Context) bool {
	if !g.EnsureConnection(ctx) {
		return false
	}
	n, err := g.collection(colUsers).CountDocuments(ctx, bson.M{"role": models.RoleAdmin})
	return err == nil && n > 0
}

/*** doc rebuild helpers ***/

func suggestionRecord(roomID, suggID string, entry *crdt.Map) models.SuggestionRecord {
	rec := models.SuggestionRecord{
		ID:        suggID,
		ProjectID: roomID,
		Votes:     make(map[string]int64),
	}
	rec.FileID, _ = entry.Get("fileId").(string)
	rec.CreatorID, _ = entry.Get("authorId").(string)
	rec.Text, _ = entry.Get("text").(string)
	if votes := entry.GetMap("votes"); votes != nil {
		votes.Each(func(userID string, v any) {
			if n, ok := v.(int64); ok {
				rec.Votes[userID] = n
			}
		})
	}
	return rec
}

// rebuildFiles restores editor:files content and re-derives the
// file-tree:nodes / file-tree:roots containers from the stored paths.
// Runs inside the load transaction.
func rebuildFiles(doc *crdt.Doc, files []models.FileRecord) {
	texts := doc.Map("editor:files")
	nodes := doc.Map("file-tree:nodes")
	roots := doc.Array("file-tree:roots")
	rooted := make(map[string]bool)
	folders := make(map[string]bool)

	for _, f := range files {
		texts.SetText(f.ID).Insert(0, f.Content)

		segments := splitPath(f.Path)
		parentID := ""
		prefix := ""
		for _, seg := range segments[:len(segments)-1] {
			if prefix == "" {
				prefix = seg
			} else {
				prefix = prefix + "/" + seg
			}
			folderID := "folder:" + prefix
			if !folders[folderID] {
				folders[folderID] = true
				folder := nodes.SetMap(folderID)
				folder.Set("name", seg)
				folder.Set("kind", "folder")
				if parentID == "" {
					folder.Set("parentId", nil)
					if !rooted[folderID] {
						rooted[folderID] = true
						roots.Push(folderID)
					}
				} else {
					folder.Set("parentId", parentID)
					nodes.GetMap(parentID).GetArray("children").Push(folderID)
				}
				folder.SetArray("children")
			}
			parentID = folderID
		}

		leaf := nodes.SetMap(f.ID)
		leaf.Set("name", segments[len(segments)-1])
		leaf.Set("kind", "file")
		leaf.SetArray("children")
		if parentID == "" {
			leaf.Set("parentId", nil)
			if !rooted[f.ID] {
				rooted[f.ID] = true
				roots.Push(f.ID)
			}
		} else {
			leaf.Set("parentId", parentID)
			nodes.GetMap(parentID).GetArray("children").Push(f.ID)
		}
	}
}

func rebuildSuggestions(doc *crdt.Doc, suggestions []models.SuggestionRecord) {
	container := doc.Map("editor:suggestions")
	for _, s := range suggestions {
		entry := container.SetMap(s.ID)
		entry.Set("fileId", s.FileID)
		entry.Set("authorId", s.CreatorID)
		entry.Set("text", s.Text)
		votes := entry.SetMap("votes")
		for userID, n := range s.Votes {
			votes.Set(userID, n)
		}
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if len(segments) == 0 {
		segments = []string{"untitled"}
	}
	return segments
}
