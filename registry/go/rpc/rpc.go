// Package rpc wires the package registry's HTTP API (spec §6) onto chi:
// multipart package creation, and lookup/delete by name.version.
package rpc

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"

	"go.skia.org/mrtaskman/go/httputils"
	"go.skia.org/mrtaskman/go/now"
	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/sklog"
	"go.skia.org/mrtaskman/registry/go/store"
	"go.skia.org/mrtaskman/registry/go/types"
)

const createPackageKind = "mrtaskman#create_package_response"

var packageNameRE = regexp.MustCompile(`^[A-Za-z]+$`)

// Server exposes the registry's HTTP API.
type Server struct {
	store *store.Store
}

// New returns a Server backed by s.
func New(s *store.Store) *Server {
	return &Server{store: s}
}

// AddHandlers registers the registry's routes on r.
func (s *Server) AddHandlers(r chi.Router) {
	r.Post("/packages/create", s.createPackage)
	r.Get("/packages/{name}.{version}", s.getPackage)
	r.Delete("/packages/{name}.{version}", s.deletePackage)
}

type manifestFile struct {
	FormName        string `json:"form_name"`
	FileDestination string `json:"file_destination"`
	FileMode        string `json:"file_mode"`
	URL             string `json:"url"`
}

type manifest struct {
	Name    string         `json:"name"`
	Version int            `json:"version"`
	Files   []manifestFile `json:"files"`
}

// createPackage implements POST /packages/create (spec §6, §7): multipart
// form with a "manifest" JSON field plus one file field per manifest entry
// that doesn't carry its own url. Every file entry must resolve to either an
// uploaded blob or an external url (spec §6).
func (s *Server) createPackage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputils.ReportError(w, err, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}
	var m manifest
	if err := json.Unmarshal([]byte(r.FormValue("manifest")), &m); err != nil {
		httputils.ReportError(w, err, `Field "manifest" must be valid JSON`, http.StatusBadRequest)
		return
	}
	if m.Name == "" || m.Version == 0 {
		httputils.ReportError(w, nil, `Package "name" and "version" are required`, http.StatusBadRequest)
		return
	}
	if !packageNameRE.MatchString(m.Name) {
		httputils.ReportError(w, nil, "Package name must be alphabetic", http.StatusBadRequest)
		return
	}

	files, err := filesFromManifest(m, r.MultipartForm)
	if err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}

	nowT := now.Now(r.Context())
	pkg := &types.Package{
		Name:      m.Name,
		Version:   m.Version,
		CreatedBy: r.Header.Get("X-Mrtaskman-User"),
		Created:   nowT,
		Modified:  nowT,
		Files:     files,
	}
	if err := s.store.Create(pkg); err == store.ErrDuplicate {
		httputils.ReportError(w, err, "Package already exists", http.StatusBadRequest)
		return
	} else if err != nil {
		httputils.ReportError(w, err, "Failed to create package", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*types.Package
		Kind string `json:"kind"`
	}{pkg, createPackageKind})
}

// filesFromManifest validates each manifest file entry and resolves it to
// either the uploaded blob under its form_name or its external url,
// accumulating every validation failure with go-multierror rather than
// stopping at the first one, so the 400 response names every bad entry at
// once.
func filesFromManifest(m manifest, form *multipart.Form) ([]types.PackageFile, error) {
	var errs *multierror.Error
	files := make([]types.PackageFile, 0, len(m.Files))
	for _, mf := range m.Files {
		if mf.FileDestination == "" {
			errs = multierror.Append(errs, missingFileFieldError("file_destination", mf.FormName))
			continue
		}
		if mf.FileMode == "" {
			errs = multierror.Append(errs, missingFileFieldError("file_mode", mf.FormName))
			continue
		}
		pf := types.PackageFile{DestinationPath: mf.FileDestination, FileMode: mf.FileMode}
		if mf.URL != "" {
			pf.ExternalURL = mf.URL
			pf.DownloadURL = mf.URL
		} else {
			if form == nil || len(form.File[mf.FormName]) == 0 {
				errs = multierror.Append(errs, missingFileFromFormError(mf.FormName))
				continue
			}
			pf.BlobRef = form.File[mf.FormName][0].Filename
			pf.DownloadURL = pf.BlobRef
		}
		files = append(files, pf)
	}
	if errs != nil {
		return nil, errs.ErrorOrNil()
	}
	return files, nil
}

func missingFileFieldError(field, formName string) error {
	return skerr.Fmt("Missing required %s in file %q", field, formName)
}

func missingFileFromFormError(formName string) error {
	return skerr.Fmt("Missing form value for %s", formName)
}

// getPackage implements GET /packages/{name}.{version}.
func (s *Server) getPackage(w http.ResponseWriter, r *http.Request) {
	name, version, err := parseNameVersion(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid name.version", http.StatusBadRequest)
		return
	}
	pkg, err := s.store.Get(name, version)
	if err != nil {
		httputils.ReportError(w, err, "Failed to load package", http.StatusInternalServerError)
		return
	}
	if pkg == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

// deletePackage implements DELETE /packages/{name}.{version}.
func (s *Server) deletePackage(w http.ResponseWriter, r *http.Request) {
	name, version, err := parseNameVersion(r)
	if err != nil {
		httputils.ReportError(w, err, "Invalid name.version", http.StatusBadRequest)
		return
	}
	ok, err := s.store.Delete(name, version)
	if err != nil {
		httputils.ReportError(w, err, "Failed to delete package", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func parseNameVersion(r *http.Request) (string, int, error) {
	name := chi.URLParam(r, "name")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		return "", 0, err
	}
	if !packageNameRE.MatchString(name) {
		return "", 0, skerr.Fmt("package name %q is not alphabetic", name)
	}
	return name, version, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("rpc: failed to encode response: %s", err)
	}
}
