package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"hightide/internal/agenterr"
	"hightide/internal/filemanager"
)

type fileManagerRequest struct {
	baseRequest
	Path          string   `json:"path"`
	NewName       string   `json:"newName"`
	Content       string   `json:"content"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Base64        string   `json:"base64"`
	Paths         []string `json:"paths"`
	Action        string   `json:"action"`
	ArchiveName   string   `json:"archiveName"`
	Destination   string   `json:"destination"`
}

func (r *fileManagerRequest) base() *baseRequest { return &r.baseRequest }

// handleFileManager dispatches the {op} path variable onto one
// internal/filemanager.Service method, per spec.md §4.8's route table.
func (s *Server) handleFileManager(w http.ResponseWriter, r *http.Request) {
	var body fileManagerRequest
	if !s.decodeAndAuth(w, r, &body) {
		return
	}
	if !s.requirePermission(w, &body.baseRequest) {
		return
	}

	inst, ok := s.registry.Get(body.ServerID)
	if !ok {
		writeError(w, agenterr.New(agenterr.KindNotFound, "httpapi.filemanager", fmt.Errorf("server %q not found", body.ServerID)))
		return
	}
	fm := filemanager.New(inst.Resolver())

	op := mux.Vars(r)["op"]
	switch op {
	case "list":
		entries, err := fm.List(body.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "entries": entries})

	case "read":
		res, err := fm.Read(body.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "file": res})

	case "write":
		if err := fm.Write(body.Path, body.Content); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})

	case "rename":
		res, err := fm.Rename(body.Path, body.NewName)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "rename": res})

	case "download":
		res, err := fm.Download(body.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "download": res})

	case "mkdir":
		res, err := fm.Mkdir(body.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "mkdir": res})

	case "move":
		res, err := fm.Move(body.From, body.To)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "move": res})

	case "upload":
		res, err := fm.Upload(body.Path, body.Base64)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "upload": res})

	case "mass":
		res, err := fm.Mass(body.Paths, body.Action, body.ArchiveName)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "mass": res})

	case "unarchive":
		res, err := fm.Unarchive(body.Path, body.Destination)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "unarchive": res})

	default:
		writeError(w, agenterr.New(agenterr.KindInputInvalid, "httpapi.filemanager", fmt.Errorf("unknown file manager operation %q", op)))
	}
}
