// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of the variable values of a session.Session.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previously saved checkpoint exists, it will automatically load the variable
// values into the Session: variables already registered are set immediately, and variables
// registered later (e.g. by Session.RegisterGraphVariables) are loaded as they are registered.
// One can call Handler.Save() at any time to save a new checkpoint.
//
// A checkpoint is a pair of files in the checkpoint directory: `<base>.json` holds the
// metadata (names, shapes and positions of the variables) and `<base>.bin` the raw little-endian
// contents of the variables, concatenated.
//
// Example: loading the variables of a model:
//
// ```
//
//	sess := session.New(g)
//	_, err := checkpoints.Build(sess).Dir(*flagModel).Done()
//	if err != nil { … }
//	err = sess.RegisterGraphVariables() // Variables are loaded from the latest checkpoint.
//
// ```
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfreeze/ml/session"
	"github.com/gomlx/graphfreeze/types/shapes"
	"github.com/gomlx/graphfreeze/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)
)

// GlobalStepVariableName is the name of the variable used to number checkpoints, if present
// in the session.
const GlobalStepVariableName = "global_step"

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	sess *session.Session

	err error

	dir      string
	keep     int
	takeMean int
	saveOnly bool
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(sess *session.Session) *Config {
	c := &Config{
		sess:     sess,
		keep:     1,
		takeMean: 1,
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
//
// It must be set before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	dir = replaceTildeInDir(dir)
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		// Directory exists, all fine.
		return c
	}

	// Create directory.
	err = os.MkdirAll(dir, DirPermMode)
	if err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// replaceTildeInDir replaces a leading "~" by the user's home directory.
func replaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir[1:])
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean loads the mean of the last `n` checkpoints.
// If `n <= 0`, take the mean of all available checkpoints.
// Notice that only trainable float variables are averaged. Variables that have
// integer values or are not marked as trainable (e.g. the global step),
// are taken from the most recent checkpoint instead.
//
// The default is 1, so only load the most recent checkpoint.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// SaveOnly configures the Handler not to load any previously saved checkpoint.
func (c *Config) SaveOnly() *Config {
	c.saveOnly = true
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid, or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.sess == nil {
		return nil, errors.New("checkpoints.Build() requires a non-nil session")
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{config: c, variableValues: make(map[string]*tensors.Tensor)}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 && !c.saveOnly {
		takeMean := c.takeMean
		if takeMean <= 0 || takeMean > len(checkpoints) {
			takeMean = len(checkpoints)
		}
		if takeMean == 1 {
			// Just load most recent checkpoint.
			err = handler.loadCheckpoint(checkpoints[len(checkpoints)-1], false, 0)
		} else {
			err = handler.takeMean(checkpoints[len(checkpoints)-takeMean:])
		}
		if err != nil {
			return nil, err
		}
	}
	if err = handler.attachTo(c.sess); err != nil {
		return nil, err
	}
	return handler, nil
}

// Handler handles saving and loading of checkpoints for a session.Session. See example in
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading data into Handler happens at its creation time: it loads from the latest checkpoint.
// The loaded values are "consumed" (moved to the session) one at a time, as the variables are
// registered in the session.
//
// When saving, all initialized variables of the session are saved, along with any previously
// loaded values that were not consumed by the session.
type Handler struct {
	config *Config
	sess   *session.Session

	prevLoader     session.Loader
	variableValues map[string]*tensors.Tensor

	checkpointsCount int
}

// serializedData is how the information is read and written from storage.
type serializedData struct {
	// Variables lists the variables saved, in the order they are stored in the data file.
	Variables []serializedVar
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// ParameterName is the variable name, the name of the graph node that holds it.
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the shape.
	DType dtypes.DType

	// Pos, Length in bytes in the file.
	Pos, Length int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

// ListCheckpoints returns the base file name of the checkpoints in the directory in time order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		baseName := fileName[:len(fileName)-len(jsonNameSuffix)]
		checkpoints = append(checkpoints, baseName)
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}
	return maxId
}

// loadCheckpoint loads a specific checkpoint file. This needs to happen before attachTo.
//
// If `merge` is set to false, loading a different checkpoint discards the previous checkpoint read.
// If `merge` is set to true, float values are merged into the current values, using
// `mergeWeight` for the value being loaded.
func (h *Handler) loadCheckpoint(baseName string, merge bool, mergeWeight float64) (err error) {
	klog.V(1).Infof("%s: loading %q", h, baseName)
	if h.sess != nil {
		return errors.Errorf("%s tried to loadCheckpoint(%q) after being attached to a Session, this is not allowed", h, baseName)
	}

	// Read metadata.
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonContents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint metadata file %s", h, jsonFileName)
	}
	var serialized serializedData
	if err = json.Unmarshal(jsonContents, &serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to decode contents of checkpoint metadata file %s", h, jsonFileName)
	}

	// Open data file for reading.
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, varFileName)
	}
	defer func() {
		closeErr := varFile.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "%s: failed to close checkpoint data file %s", h, varFileName)
		}
	}()
	varFileInfo, err := varFile.Stat()
	if err != nil {
		return errors.Wrapf(err, "%s: failed to stat checkpoint data file %s", h, varFileName)
	}
	if !merge {
		// We are loading all the variables, as opposed to merging them.
		h.variableValues = make(map[string]*tensors.Tensor, len(serialized.Variables))
	}

	// Load variable values.
	for _, varInfo := range serialized.Variables {
		if varInfo.DType == dtypes.InvalidDType || varInfo.DType.Memory() == 0 {
			return errors.Errorf("%s: variable %q stored with invalid dtype %s in %s",
				h, varInfo.ParameterName, varInfo.DType, jsonFileName)
		}
		shape, err := shapes.MakeChecked(varInfo.DType, varInfo.Dimensions...)
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %q in %s", h, varInfo.ParameterName, jsonFileName)
		}
		if uintptr(varInfo.Length) != shape.Memory() {
			return errors.Errorf("%s: variable %q of shape %s stored with %d bytes in %s, wanted %d bytes",
				h, varInfo.ParameterName, shape, varInfo.Length, varFileName, shape.Memory())
		}
		if varInfo.Pos < 0 || int64(varInfo.Pos)+int64(varInfo.Length) > varFileInfo.Size() {
			return errors.Errorf("%s: variable %q stored at position %d with %d bytes, beyond the end of %s (%d bytes)",
				h, varInfo.ParameterName, varInfo.Pos, varInfo.Length, varFileName, varFileInfo.Size())
		}
		rawBytes := make([]byte, varInfo.Length)
		if _, err = varFile.ReadAt(rawBytes, int64(varInfo.Pos)); err != nil {
			return errors.Wrapf(err, "%s: failed to read variable %q contents of checkpoint data file %s at position %d",
				h, varInfo.ParameterName, varFileName, varInfo.Pos)
		}
		value, err := tensors.FromRaw(shape, rawBytes)
		if err != nil {
			return errors.WithMessagef(err, "%s: variable %q", h, varInfo.ParameterName)
		}

		if !merge {
			// Load the value.
			h.variableValues[varInfo.ParameterName] = value
			continue
		}
		// Merge value.
		current, found := h.variableValues[varInfo.ParameterName]
		if !found || !varInfo.DType.IsFloat() || !current.Shape().Equal(shape) {
			// Variable not found in last checkpoint or not merge-able, just ignore it.
			continue
		}
		if v := h.config.sess.GetVariable(varInfo.ParameterName); v != nil && !v.Trainable {
			continue
		}
		merged, err := mergeValues(current, value, mergeWeight)
		if err != nil {
			return errors.WithMessagef(err, "when taking the mean of variable %q", varInfo.ParameterName)
		}
		h.variableValues[varInfo.ParameterName] = merged
	}
	return nil
}

// mergeValues returns `current * (1 - weight) + value * weight`.
func mergeValues(current, value *tensors.Tensor, weight float64) (*tensors.Tensor, error) {
	currentValues, err := current.Float64s()
	if err != nil {
		return nil, err
	}
	newValues, err := value.Float64s()
	if err != nil {
		return nil, err
	}
	for ii := range currentValues {
		currentValues[ii] = currentValues[ii]*(1-weight) + newValues[ii]*weight
	}
	return tensors.FromFloat64s(current.Shape(), currentValues)
}

// takeMean will load the checkpoints pointed by baseNames and take the mean of those.
// It takes the mean only for trainable float variables, everything else it just takes
// the value from the last checkpoint.
func (h *Handler) takeMean(baseNames []string) error {
	// First load the last checkpoint.
	err := h.loadCheckpoint(baseNames[len(baseNames)-1], false, 0)
	if err != nil {
		return err
	}

	// Then merge all other weights -- the order doesn't matter.
	for ii, baseName := range baseNames[:len(baseNames)-1] {
		mergeWeight := 1.0 / (float64(ii) + 2.0)
		err = h.loadCheckpoint(baseName, true, mergeWeight)
		if err != nil {
			return err
		}
	}
	return nil
}

// globalStep returns the value of the GlobalStepVariableName variable, if it is set, or 0.
func (h *Handler) globalStep() int64 {
	v := h.sess.GetVariable(GlobalStepVariableName)
	if v == nil || !v.IsInitialized() || !v.Shape().IsScalar() {
		return 0
	}
	value, err := v.Value()
	if err != nil {
		return 0
	}
	values, err := value.Float64s()
	if err != nil {
		return 0
	}
	return int64(values[0])
}

// Save creates a new checkpoint and saves the session variables.
//
// All initialized variables in the session are saved, as well as those previously loaded but not
// (yet) used by the session -- this allows one to load the variables only for a part of the model,
// and save again with everything.
func (h *Handler) Save() error {
	if h.sess == nil {
		return errors.Errorf("%s not attached to a session.Session yet.", h)
	}

	// Create files.
	baseName := h.newCheckpointBaseName(h.globalStep())
	h.checkpointsCount += 1 // Bump unique number.
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}

	// Copy over and set variables: both from the session and previously loaded ones.
	serialized := serializedData{Variables: make([]serializedVar, 0, h.sess.NumVariables()+len(h.variableValues))}
	pos := 0
	// * Closure to save the contents of a variable.
	saveVar := func(name string, value *tensors.Tensor) error {
		shape := value.Shape()
		rawData := value.Bytes()
		n, err := varFile.Write(rawData)
		if err != nil {
			return errors.Wrapf(err, "%s: failed to write variable %s", h, name)
		}
		if n != len(rawData) {
			return errors.Errorf("%s: failed to write variable %s -- %d bytes requested, %d bytes written", h, name, len(rawData), n)
		}
		serialized.Variables = append(serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    slices.Clone(shape.Dimensions),
			DType:         shape.DType,
			Pos:           pos,
			Length:        len(rawData),
		})
		pos += len(rawData)
		return nil
	}
	// * Loop over variables in session.
	h.sess.EnumerateVariables(func(v *session.Variable) {
		if err != nil || !v.IsInitialized() {
			return
		}
		value, _ := v.Value()
		err = saveVar(v.Name(), value)
	})
	// * Loop over current loaded variables, in a deterministic order.
	loadedNames := make([]string, 0, len(h.variableValues))
	for name := range h.variableValues {
		loadedNames = append(loadedNames, name)
	}
	sort.Strings(loadedNames)
	for _, name := range loadedNames {
		if err != nil {
			break
		}
		err = saveVar(name, h.variableValues[name])
	}
	if err != nil {
		_ = varFile.Close()
		return err
	}
	err = varFile.Close()
	if err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	// Write the metadata.
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonContents, err := json.MarshalIndent(&serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint metadata", h)
	}
	if err = os.WriteFile(jsonFileName, jsonContents, 0644); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	klog.V(1).Infof("%s: saved %d variables to %q", h, len(serialized.Variables), baseName)

	// Remove excess checkpoints.
	return h.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
		jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
		for _, fileName := range []string{varFileName, jsonFileName} {
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// attachTo attaches Handler to a session.Session: variables already registered are loaded
// immediately, and the Handler is set as the session's Loader for variables registered later.
//
// attachTo can only be called once.
func (h *Handler) attachTo(sess *session.Session) error {
	if h.sess != nil {
		return errors.Errorf("%s already attached to a Session, can not attach to another one", h)
	}
	h.sess = sess
	h.prevLoader = sess.Loader()
	sess.SetLoader(h)

	var err error
	sess.EnumerateVariables(func(v *session.Variable) {
		if err != nil {
			return
		}
		value, found := h.LoadVariable(sess, v)
		if found {
			err = v.SetValue(value)
		}
	})
	return err
}

// Dir returns the directory the Handler is configured to.
// It cannot be changed once the Handler was created.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LoadVariable implements session.Loader.
// This is called by session.Session when the variable is registered.
func (h *Handler) LoadVariable(sess *session.Session, v *session.Variable) (value *tensors.Tensor, found bool) {
	// Priority is based on the installation order. That means we attempt first the previously configured loaders.
	if h.prevLoader != nil {
		value, found = h.prevLoader.LoadVariable(sess, v)
		if found {
			return
		}
	}

	// Try to find variable in our currently loaded checkpoint.
	value, found = h.variableValues[v.Name()]
	if !found {
		return
	}
	// "Consume" value, meaning remove it from Handler.
	delete(h.variableValues, v.Name())
	return
}

// LoadedVariables for inspection. These are the values loaded but not yet used by the session.
//
// The Handler owns the returned map, don't change it -- the behavior is undefined if you do.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}
